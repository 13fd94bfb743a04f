// model.go defines the persisted data model for events, detections and reviews
package datastore

import "time"

// EventRecord is one event bank entry. The full event is kept as JSON in
// Payload, the remaining columns form the event index.
type EventRecord struct {
	ID         string    `gorm:"primaryKey;size:255"` // event resource id
	OriginTime time.Time `gorm:"index"`
	Latitude   float64
	Longitude  float64
	Depth      float64 // meters
	Magnitude  *float64
	PickCount  int
	Payload    string    `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName pins the event bank table name.
func (EventRecord) TableName() string {
	return "events"
}

// DetectionRecord is a persisted detection.
type DetectionRecord struct {
	ID             string    `gorm:"primaryKey;size:36"`
	TemplateName   string    `gorm:"index:idx_detections_template_time;size:255;not null"`
	DetectTime     time.Time `gorm:"index:idx_detections_template_time;index"`
	NoChans        int
	Chans          string `gorm:"type:text"` // comma separated NET.STA.LOC.CHA list
	DetectVal      float64
	Threshold      float64
	ThresholdType  string `gorm:"size:20"`
	ThresholdInput float64
	DetectionType  string  `gorm:"size:20"`
	AbsAvgCorr     float64 `gorm:"index"` // |detect_val| / no_chans, kept for range queries
	SNR            float64
	Source         string
	CreatedAt      time.Time

	Review   *DetectionReview   `gorm:"foreignKey:DetectionID;constraint:OnDelete:CASCADE"`
	Comments []DetectionComment `gorm:"foreignKey:DetectionID;constraint:OnDelete:CASCADE"`
	Lock     *DetectionLock     `gorm:"foreignKey:DetectionID;constraint:OnDelete:CASCADE"`
}

// TableName pins the detections table name.
func (DetectionRecord) TableName() string {
	return "detections"
}

// DetectionReview holds the analyst verdict on a detection.
type DetectionReview struct {
	ID          uint      `gorm:"primaryKey"`
	DetectionID string    `gorm:"uniqueIndex;size:36;not null"`
	Verdict     string    `gorm:"type:varchar(20)"` // unreviewed, confirmed, rejected, uncertain
	Reviewer    string    `gorm:"size:255"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// DetectionComment is a free text analyst note.
type DetectionComment struct {
	ID          uint      `gorm:"primaryKey"`
	DetectionID string    `gorm:"index;size:36;not null"`
	Author      string    `gorm:"size:255"`
	Entry       string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

// DetectionLock marks a detection as final. Locked detections keep their
// verdict and take no further comments.
type DetectionLock struct {
	ID          uint      `gorm:"primaryKey"`
	DetectionID string    `gorm:"uniqueIndex;size:36;not null"`
	LockedAt    time.Time `gorm:"index;not null"`
}

// EventIndex is the summary row returned by ReadEventIndex.
type EventIndex struct {
	EventID    string    `json:"event_id"`
	OriginTime time.Time `json:"time"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Depth      float64   `json:"depth"`
	Magnitude  *float64  `json:"magnitude,omitempty"`
	PickCount  int       `json:"pick_count"`
}

// Query filters ListDetections. Zero values disable a filter.
type Query struct {
	TemplateName      string
	Start             time.Time
	End               time.Time
	Verdict           string
	MinAvgCorrelation float64
	Limit             int
	Offset            int
}
