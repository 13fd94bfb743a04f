package detection

import (
	"strings"

	"github.com/seisreview/eqcutil/internal/datastore"
)

// Mapper converts between Detection and datastore.DetectionRecord so the
// schema can evolve independently of the runtime model.
type Mapper struct{}

// ToDatastore converts a detection for persistence. Verdict, reviewer and
// lock state live in their own tables and are not written here.
func (Mapper) ToDatastore(d *Detection) datastore.DetectionRecord {
	return datastore.DetectionRecord{
		ID:             d.ID,
		TemplateName:   d.TemplateName,
		DetectTime:     d.DetectTime.UTC(),
		NoChans:        d.NoChans,
		Chans:          strings.Join(d.Chans, ","),
		DetectVal:      d.DetectVal,
		Threshold:      d.Threshold,
		ThresholdType:  d.ThresholdType,
		ThresholdInput: d.ThresholdInput,
		DetectionType:  d.DetectionType,
		AbsAvgCorr:     d.AbsAvgCorrelation(),
		SNR:            d.SNR,
		Source:         d.Source,
	}
}

// FromDatastore converts a stored record, filling the review fields from
// its preloaded associations.
func (Mapper) FromDatastore(rec *datastore.DetectionRecord) *Detection {
	d := &Detection{
		ID:             rec.ID,
		TemplateName:   rec.TemplateName,
		DetectTime:     rec.DetectTime.UTC(),
		NoChans:        rec.NoChans,
		DetectVal:      rec.DetectVal,
		Threshold:      rec.Threshold,
		ThresholdType:  rec.ThresholdType,
		ThresholdInput: rec.ThresholdInput,
		DetectionType:  rec.DetectionType,
		SNR:            rec.SNR,
		Source:         rec.Source,
		Locked:         rec.Lock != nil,
	}
	if rec.Chans != "" {
		d.Chans = strings.Split(rec.Chans, ",")
	}
	if rec.Review != nil {
		d.Verdict = Verdict(rec.Review.Verdict)
		d.Reviewer = rec.Review.Reviewer
		d.ReviewedAt = rec.Review.UpdatedAt.UTC()
	}
	return d
}

// ToDatastoreBatch converts many detections.
func (m Mapper) ToDatastoreBatch(dets []*Detection) []datastore.DetectionRecord {
	out := make([]datastore.DetectionRecord, len(dets))
	for i, d := range dets {
		out[i] = m.ToDatastore(d)
	}
	return out
}

// FromDatastoreBatch converts many records.
func (m Mapper) FromDatastoreBatch(recs []datastore.DetectionRecord) []*Detection {
	out := make([]*Detection, len(recs))
	for i := range recs {
		out[i] = m.FromDatastore(&recs[i])
	}
	return out
}
