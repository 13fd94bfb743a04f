// Package review drives the analyst workflow over ranked detections:
// verdicts, comments, locks and exports.
package review

import (
	"context"
	"strings"
	"time"

	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/observability/metrics"
	"github.com/seisreview/eqcutil/internal/ranking"
)

// Service applies analyst decisions to stored detections.
type Service struct {
	repo    detection.Repository
	ranker  *ranking.Ranker
	metrics *metrics.ReviewMetrics
	log     logger.Logger
}

// NewService wires a review service. m may be nil.
func NewService(repo detection.Repository, ranker *ranking.Ranker, m *metrics.ReviewMetrics) *Service {
	if ranker == nil {
		ranker = &ranking.Ranker{}
	}
	return &Service{repo: repo, ranker: ranker, metrics: m, log: GetLogger()}
}

// Ranker returns the ranker used for listings.
func (s *Service) Ranker() *ranking.Ranker { return s.ranker }

func validationError(msg, id string) error {
	return errors.Newf("%s", msg).
		Component("review").
		Category(errors.CategoryValidation).
		Context("detection_id", id).
		Build()
}

func (s *Service) validateVerdict(id string, verdict detection.Verdict, reviewer string) (detection.Verdict, error) {
	v, ok := detection.ParseVerdict(string(verdict))
	if !ok {
		return "", validationError("unknown verdict "+string(verdict), id)
	}
	if strings.TrimSpace(reviewer) == "" {
		return "", validationError("reviewer is required", id)
	}
	return v, nil
}

func (s *Service) verdictRecorded(id string, v detection.Verdict, reviewer string) {
	s.metrics.RecordVerdict(string(v))
	s.log.Info("verdict recorded",
		logger.String("detection_id", id),
		logger.String("verdict", string(v)),
		logger.String("reviewer", reviewer))
}

// SetVerdict records reviewer's verdict on detection id. Locked detections
// are refused with a conflict error.
func (s *Service) SetVerdict(ctx context.Context, id string, verdict detection.Verdict, reviewer string) error {
	v, err := s.validateVerdict(id, verdict, reviewer)
	if err != nil {
		return err
	}
	if err := s.repo.SaveReview(ctx, id, v, reviewer); err != nil {
		return err
	}
	s.verdictRecorded(id, v, reviewer)
	return nil
}

// Comment appends an analyst note. Locked detections are refused.
func (s *Service) Comment(ctx context.Context, id, author, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return validationError("comment is empty", id)
	}
	if err := s.repo.AddComment(ctx, id, author, text); err != nil {
		return err
	}
	s.metrics.RecordComment()
	return nil
}

// Review sets a verdict and, when comment is not blank, records it in the
// same write. A failure leaves neither stored.
func (s *Service) Review(ctx context.Context, id string, verdict detection.Verdict, reviewer, comment string) error {
	v, err := s.validateVerdict(id, verdict, reviewer)
	if err != nil {
		return err
	}
	comment = strings.TrimSpace(comment)
	if err := s.repo.SaveReviewWithComment(ctx, id, v, reviewer, comment); err != nil {
		return err
	}
	s.verdictRecorded(id, v, reviewer)
	if comment != "" {
		s.metrics.RecordComment()
	}
	return nil
}

// SetLock locks or unlocks a detection. Both directions are idempotent.
func (s *Service) SetLock(ctx context.Context, id string, locked bool) error {
	var err error
	if locked {
		err = s.repo.Lock(ctx, id)
	} else {
		err = s.repo.Unlock(ctx, id)
	}
	if err != nil {
		return err
	}
	s.metrics.RecordLock(locked)
	s.log.Info("lock changed", logger.String("detection_id", id), logger.Bool("locked", locked))
	return nil
}

// Get loads one detection with its review state.
func (s *Service) Get(ctx context.Context, id string) (*detection.Detection, error) {
	return s.repo.Get(ctx, id)
}

// Comments returns the notes on a detection, oldest first.
func (s *Service) Comments(ctx context.Context, id string) ([]datastore.DetectionComment, error) {
	return s.repo.Comments(ctx, id)
}

// Ranked lists detections matching filters, scored and ordered best first.
// Limit and Offset apply to the ranked result, not the stored order.
func (s *Service) Ranked(ctx context.Context, filters detection.Filters) ([]ranking.Ranked, error) {
	limit, offset := filters.Limit, filters.Offset
	filters.Limit, filters.Offset = 0, 0

	stored, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	dets := make([]detection.Detection, len(stored))
	for i, d := range stored {
		dets[i] = *d
	}
	ranked := s.ranker.Rank(dets)

	if offset > 0 {
		if offset >= len(ranked) {
			return []ranking.Ranked{}, nil
		}
		ranked = ranked[offset:]
	}
	if limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// Next returns the highest ranked unreviewed detection that is not locked.
func (s *Service) Next(ctx context.Context) (*ranking.Ranked, error) {
	ranked, err := s.Ranked(ctx, detection.Filters{Verdict: detection.VerdictUnreviewed})
	if err != nil {
		return nil, err
	}
	for i := range ranked {
		if !ranked[i].Locked {
			return &ranked[i], nil
		}
	}
	return nil, errors.Newf("no unreviewed detections left").
		Component("review").
		Category(errors.CategoryNotFound).
		Build()
}

// Summary counts detections per verdict.
type Summary struct {
	Counts map[detection.Verdict]int64 `json:"counts"`
	Total  int64                       `json:"total"`
}

// Summary returns review progress.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	counts, err := s.repo.CountByVerdict(ctx)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Counts: counts}
	for _, n := range counts {
		sum.Total += n
	}
	return sum, nil
}

// Records returns the ranked detections matching filters as export rows.
func (s *Service) Records(ctx context.Context, filters detection.Filters) ([]Record, error) {
	ranked, err := s.Ranked(ctx, filters)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(ranked))
	for i := range ranked {
		out[i] = NewRecord(&ranked[i])
	}
	return out, nil
}

// Export writes the records matching filters through e.
func (s *Service) Export(ctx context.Context, e Exporter, filters detection.Filters) (int, error) {
	records, err := s.Records(ctx, filters)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	err = e.Export(ctx, records)
	s.metrics.RecordExport(exporterName(e), err)
	if err != nil {
		return 0, err
	}
	s.log.Info("exported review records",
		logger.String("exporter", exporterName(e)),
		logger.Int("records", len(records)),
		logger.Duration("elapsed", time.Since(start)))
	return len(records), nil
}
