package datastore

import (
	"context"
	"encoding/json"

	"gorm.io/gorm/clause"

	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/errors"
)

func eventRecord(ev *catalog.Event) (EventRecord, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventRecord{}, errors.New(err).
			Component("datastore").
			Category(errors.CategoryCatalog).
			Context("event_id", string(ev.ResourceID)).
			Build()
	}
	rec := EventRecord{
		ID:        string(ev.ResourceID),
		PickCount: len(ev.Picks),
		Payload:   string(payload),
	}
	if o := ev.PreferredOrigin(); o != nil {
		rec.OriginTime = o.Time.UTC()
		rec.Latitude = o.Latitude
		rec.Longitude = o.Longitude
		rec.Depth = o.Depth
	}
	if m := ev.PreferredMagnitude(); m != nil {
		mag := m.Mag
		rec.Magnitude = &mag
	}
	return rec, nil
}

// SaveEvents inserts events into the event bank, replacing events that
// share a resource id.
func (ds *DataStore) SaveEvents(ctx context.Context, events []catalog.Event) error {
	db, err := ds.db(ctx, "save_events")
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	records := make([]EventRecord, 0, len(events))
	for i := range events {
		if events[i].ResourceID == "" {
			return errors.New(errors.NewStd("event has no resource id")).
				Component("datastore").
				Category(errors.CategoryValidation).
				Build()
		}
		rec, err := eventRecord(&events[i])
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"origin_time", "latitude", "longitude", "depth", "magnitude", "pick_count", "payload", "updated_at",
		}),
	}).CreateInBatches(records, 100).Error
	if err != nil {
		return dbError(err, "save_events", "count", len(records))
	}
	return nil
}

// ReadEventIndex returns the event bank index ordered by origin time.
func (ds *DataStore) ReadEventIndex(ctx context.Context) ([]EventIndex, error) {
	db, err := ds.db(ctx, "read_event_index")
	if err != nil {
		return nil, err
	}
	var records []EventRecord
	if err := db.Omit("payload").Order("origin_time ASC, id ASC").Find(&records).Error; err != nil {
		return nil, dbError(err, "read_event_index")
	}
	index := make([]EventIndex, len(records))
	for i, r := range records {
		index[i] = EventIndex{
			EventID:    r.ID,
			OriginTime: r.OriginTime,
			Latitude:   r.Latitude,
			Longitude:  r.Longitude,
			Depth:      r.Depth,
			Magnitude:  r.Magnitude,
			PickCount:  r.PickCount,
		}
	}
	return index, nil
}

// GetEvents returns the events with the given ids in the order requested.
// Unknown ids are skipped. With no ids every event is returned.
func (ds *DataStore) GetEvents(ctx context.Context, ids ...string) ([]catalog.Event, error) {
	db, err := ds.db(ctx, "get_events")
	if err != nil {
		return nil, err
	}
	var records []EventRecord
	q := db.Order("origin_time ASC, id ASC")
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, dbError(err, "get_events")
	}

	byID := make(map[string]catalog.Event, len(records))
	ordered := make([]catalog.Event, 0, len(records))
	for _, r := range records {
		var ev catalog.Event
		if err := json.Unmarshal([]byte(r.Payload), &ev); err != nil {
			return nil, errors.New(err).
				Component("datastore").
				Category(errors.CategoryFileParsing).
				Context("event_id", r.ID).
				Build()
		}
		byID[r.ID] = ev
		ordered = append(ordered, ev)
	}
	if len(ids) == 0 {
		return ordered, nil
	}
	out := make([]catalog.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := byID[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}
