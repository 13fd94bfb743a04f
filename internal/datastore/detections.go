package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const unreviewed = "unreviewed"

// SaveDetections inserts detections and returns how many were new. Records
// whose id already exists are left untouched.
func (ds *DataStore) SaveDetections(ctx context.Context, records []DetectionRecord) (int, error) {
	db, err := ds.db(ctx, "save_detections")
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).
		Omit(clause.Associations).
		CreateInBatches(records, 200)
	if res.Error != nil {
		return 0, dbError(res.Error, "save_detections", "count", len(records))
	}
	return int(res.RowsAffected), nil
}

// GetDetection loads a detection with its review, lock and comments.
func (ds *DataStore) GetDetection(ctx context.Context, id string) (*DetectionRecord, error) {
	db, err := ds.db(ctx, "get_detection")
	if err != nil {
		return nil, err
	}
	var rec DetectionRecord
	err = db.Preload("Review").
		Preload("Lock").
		Preload("Comments", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at ASC, id ASC") }).
		First(&rec, "id = ?", id).Error
	if err != nil {
		return nil, dbError(err, "get_detection", "detection_id", id)
	}
	return &rec, nil
}

// ListDetections returns detections matching q ordered by detect time.
func (ds *DataStore) ListDetections(ctx context.Context, q Query) ([]DetectionRecord, error) {
	db, err := ds.db(ctx, "list_detections")
	if err != nil {
		return nil, err
	}
	tx := db.Model(&DetectionRecord{}).Preload("Review").Preload("Lock")

	if q.TemplateName != "" {
		tx = tx.Where("detections.template_name = ?", q.TemplateName)
	}
	if !q.Start.IsZero() {
		tx = tx.Where("detections.detect_time >= ?", q.Start.UTC())
	}
	if !q.End.IsZero() {
		tx = tx.Where("detections.detect_time <= ?", q.End.UTC())
	}
	if q.MinAvgCorrelation > 0 {
		tx = tx.Where("detections.abs_avg_corr >= ?", q.MinAvgCorrelation)
	}
	if q.Verdict != "" {
		tx = tx.Joins("LEFT JOIN detection_reviews ON detection_reviews.detection_id = detections.id")
		if q.Verdict == unreviewed {
			tx = tx.Where("detection_reviews.id IS NULL OR detection_reviews.verdict = ?", unreviewed)
		} else {
			tx = tx.Where("detection_reviews.verdict = ?", q.Verdict)
		}
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var records []DetectionRecord
	if err := tx.Order("detections.detect_time ASC, detections.id ASC").Find(&records).Error; err != nil {
		return nil, dbError(err, "list_detections")
	}
	return records, nil
}

// DeleteDetection removes a detection with its review, comments and lock.
func (ds *DataStore) DeleteDetection(ctx context.Context, id string) error {
	db, err := ds.db(ctx, "delete_detection")
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&DetectionReview{}, &DetectionComment{}, &DetectionLock{}} {
			if err := tx.Where("detection_id = ?", id).Delete(model).Error; err != nil {
				return dbError(err, "delete_detection", "detection_id", id)
			}
		}
		res := tx.Delete(&DetectionRecord{}, "id = ?", id)
		if res.Error != nil {
			return dbError(res.Error, "delete_detection", "detection_id", id)
		}
		if res.RowsAffected == 0 {
			return notFoundError("delete_detection", "detection_id", id)
		}
		return nil
	})
}

func (ds *DataStore) requireDetection(tx *gorm.DB, operation, id string) error {
	var count int64
	if err := tx.Model(&DetectionRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return dbError(err, operation, "detection_id", id)
	}
	if count == 0 {
		return notFoundError(operation, "detection_id", id)
	}
	return nil
}

func locked(tx *gorm.DB, operation, id string) (bool, error) {
	var count int64
	if err := tx.Model(&DetectionLock{}).Where("detection_id = ?", id).Count(&count).Error; err != nil {
		return false, dbError(err, operation, "detection_id", id)
	}
	return count > 0, nil
}

// SaveReview records a verdict. Locked detections are refused with a
// conflict error.
func (ds *DataStore) SaveReview(ctx context.Context, detectionID, verdict, reviewer string) error {
	return ds.SaveReviewWithComment(ctx, detectionID, verdict, reviewer, "")
}

// SaveReviewWithComment records a verdict and, when comment is not empty, a
// comment by the reviewer in one transaction. Either both are stored or
// neither is.
func (ds *DataStore) SaveReviewWithComment(ctx context.Context, detectionID, verdict, reviewer, comment string) error {
	db, err := ds.db(ctx, "save_review")
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := ds.requireDetection(tx, "save_review", detectionID); err != nil {
			return err
		}
		isLocked, err := locked(tx, "save_review", detectionID)
		if err != nil {
			return err
		}
		if isLocked {
			return stateError("save_review", detectionID)
		}
		review := DetectionReview{DetectionID: detectionID, Verdict: verdict, Reviewer: reviewer}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "detection_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"verdict", "reviewer", "updated_at"}),
		}).Create(&review).Error
		if err != nil {
			return dbError(err, "save_review", "detection_id", detectionID)
		}
		if comment == "" {
			return nil
		}
		c := DetectionComment{DetectionID: detectionID, Author: reviewer, Entry: comment}
		if err := tx.Create(&c).Error; err != nil {
			return dbError(err, "add_comment", "detection_id", detectionID)
		}
		return nil
	})
}

// GetReview returns the review of a detection. A detection never reviewed
// yields a not-found error.
func (ds *DataStore) GetReview(ctx context.Context, detectionID string) (*DetectionReview, error) {
	db, err := ds.db(ctx, "get_review")
	if err != nil {
		return nil, err
	}
	var review DetectionReview
	if err := db.Where("detection_id = ?", detectionID).First(&review).Error; err != nil {
		return nil, dbError(err, "get_review", "detection_id", detectionID)
	}
	return &review, nil
}

// AddComment appends an analyst comment. Locked detections are refused.
func (ds *DataStore) AddComment(ctx context.Context, detectionID, author, entry string) error {
	db, err := ds.db(ctx, "add_comment")
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := ds.requireDetection(tx, "add_comment", detectionID); err != nil {
			return err
		}
		isLocked, err := locked(tx, "add_comment", detectionID)
		if err != nil {
			return err
		}
		if isLocked {
			return stateError("add_comment", detectionID)
		}
		c := DetectionComment{DetectionID: detectionID, Author: author, Entry: entry}
		if err := tx.Create(&c).Error; err != nil {
			return dbError(err, "add_comment", "detection_id", detectionID)
		}
		return nil
	})
}

// GetComments returns the comments on a detection, oldest first.
func (ds *DataStore) GetComments(ctx context.Context, detectionID string) ([]DetectionComment, error) {
	db, err := ds.db(ctx, "get_comments")
	if err != nil {
		return nil, err
	}
	var comments []DetectionComment
	if err := db.Where("detection_id = ?", detectionID).Order("created_at ASC, id ASC").Find(&comments).Error; err != nil {
		return nil, dbError(err, "get_comments", "detection_id", detectionID)
	}
	return comments, nil
}

// SetLock locks or unlocks a detection. Both directions are idempotent.
func (ds *DataStore) SetLock(ctx context.Context, detectionID string, lock bool) error {
	db, err := ds.db(ctx, "set_lock")
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := ds.requireDetection(tx, "set_lock", detectionID); err != nil {
			return err
		}
		if !lock {
			if err := tx.Where("detection_id = ?", detectionID).Delete(&DetectionLock{}).Error; err != nil {
				return dbError(err, "unlock", "detection_id", detectionID)
			}
			return nil
		}
		l := DetectionLock{DetectionID: detectionID, LockedAt: time.Now().UTC()}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "detection_id"}},
			DoNothing: true,
		}).Create(&l).Error
		if err != nil {
			return dbError(err, "lock", "detection_id", detectionID)
		}
		return nil
	})
}

// IsLocked reports whether the detection is locked.
func (ds *DataStore) IsLocked(ctx context.Context, detectionID string) (bool, error) {
	db, err := ds.db(ctx, "is_locked")
	if err != nil {
		return false, err
	}
	return locked(db, "is_locked", detectionID)
}

// CountByVerdict counts detections per verdict. Detections without a
// review count as unreviewed.
func (ds *DataStore) CountByVerdict(ctx context.Context) (map[string]int64, error) {
	db, err := ds.db(ctx, "count_by_verdict")
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Verdict *string
		Count   int64
	}
	err = db.Model(&DetectionRecord{}).
		Select("detection_reviews.verdict AS verdict, COUNT(*) AS count").
		Joins("LEFT JOIN detection_reviews ON detection_reviews.detection_id = detections.id").
		Group("detection_reviews.verdict").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "count_by_verdict")
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		v := unreviewed
		if r.Verdict != nil && *r.Verdict != "" {
			v = *r.Verdict
		}
		counts[v] += r.Count
	}
	return counts, nil
}
