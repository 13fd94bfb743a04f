package detection

import (
	"context"
	"time"

	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/errors"
)

// Repository defines detection persistence and review operations.
type Repository interface {
	Save(ctx context.Context, dets []*Detection) (int, error)
	Get(ctx context.Context, id string) (*Detection, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filters Filters) ([]*Detection, error)

	SaveReview(ctx context.Context, id string, verdict Verdict, reviewer string) error
	SaveReviewWithComment(ctx context.Context, id string, verdict Verdict, reviewer, comment string) error
	AddComment(ctx context.Context, id, author, entry string) error
	Comments(ctx context.Context, id string) ([]datastore.DetectionComment, error)
	Lock(ctx context.Context, id string) error
	Unlock(ctx context.Context, id string) error
	CountByVerdict(ctx context.Context) (map[Verdict]int64, error)
}

// Filters narrows List. Zero values disable a filter.
type Filters struct {
	TemplateName      string
	Start             time.Time
	End               time.Time
	Verdict           Verdict
	MinAvgCorrelation float64
	Limit             int
	Offset            int
}

// StoreRepository implements Repository on a datastore.
type StoreRepository struct {
	store  datastore.Interface
	mapper Mapper
}

// NewRepository wraps store.
func NewRepository(store datastore.Interface) *StoreRepository {
	return &StoreRepository{store: store}
}

// Save persists detections and returns how many were new.
func (r *StoreRepository) Save(ctx context.Context, dets []*Detection) (int, error) {
	return r.store.SaveDetections(ctx, r.mapper.ToDatastoreBatch(dets))
}

// Get loads one detection with its review state.
func (r *StoreRepository) Get(ctx context.Context, id string) (*Detection, error) {
	rec, err := r.store.GetDetection(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.mapper.FromDatastore(rec), nil
}

// Delete removes a detection.
func (r *StoreRepository) Delete(ctx context.Context, id string) error {
	return r.store.DeleteDetection(ctx, id)
}

// List returns detections matching filters ordered by detect time.
func (r *StoreRepository) List(ctx context.Context, filters Filters) ([]*Detection, error) {
	recs, err := r.store.ListDetections(ctx, datastore.Query{
		TemplateName:      filters.TemplateName,
		Start:             filters.Start,
		End:               filters.End,
		Verdict:           string(filters.Verdict),
		MinAvgCorrelation: filters.MinAvgCorrelation,
		Limit:             filters.Limit,
		Offset:            filters.Offset,
	})
	if err != nil {
		return nil, err
	}
	return r.mapper.FromDatastoreBatch(recs), nil
}

// SaveReview records verdict. Unknown verdicts are validation errors and
// locked detections are conflicts.
func (r *StoreRepository) SaveReview(ctx context.Context, id string, verdict Verdict, reviewer string) error {
	return r.SaveReviewWithComment(ctx, id, verdict, reviewer, "")
}

// SaveReviewWithComment records verdict and a non-empty comment atomically.
func (r *StoreRepository) SaveReviewWithComment(ctx context.Context, id string, verdict Verdict, reviewer, comment string) error {
	v, ok := ParseVerdict(string(verdict))
	if !ok {
		return errors.Newf("unknown verdict %q", verdict).
			Component("detection").
			Category(errors.CategoryValidation).
			Context("detection_id", id).
			Build()
	}
	return r.store.SaveReviewWithComment(ctx, id, string(v), reviewer, comment)
}

// AddComment appends an analyst comment.
func (r *StoreRepository) AddComment(ctx context.Context, id, author, entry string) error {
	return r.store.AddComment(ctx, id, author, entry)
}

// Comments returns the comments on a detection, oldest first.
func (r *StoreRepository) Comments(ctx context.Context, id string) ([]datastore.DetectionComment, error) {
	return r.store.GetComments(ctx, id)
}

// Lock marks a detection final.
func (r *StoreRepository) Lock(ctx context.Context, id string) error {
	return r.store.SetLock(ctx, id, true)
}

// Unlock reopens a detection for review.
func (r *StoreRepository) Unlock(ctx context.Context, id string) error {
	return r.store.SetLock(ctx, id, false)
}

// CountByVerdict counts detections per verdict. Every verdict is present
// in the result, zero when unused.
func (r *StoreRepository) CountByVerdict(ctx context.Context) (map[Verdict]int64, error) {
	raw, err := r.store.CountByVerdict(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[Verdict]int64, len(Verdicts))
	for _, v := range Verdicts {
		counts[v] = 0
	}
	for k, n := range raw {
		counts[Verdict(k)] += n
	}
	return counts, nil
}
