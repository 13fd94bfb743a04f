package review

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/observability/metrics"
	"github.com/seisreview/eqcutil/internal/ranking"
)

var t0 = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *prometheus.Registry) {
	t.Helper()
	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "review.db")
	store, err := datastore.Open(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo := detection.NewRepository(store)
	_, err = repo.Save(context.Background(), []*detection.Detection{
		{ID: "weak", TemplateName: "tmplA", DetectTime: t0, NoChans: 4, DetectVal: 1.2, Threshold: 1},
		{ID: "strong", TemplateName: "tmplB", DetectTime: t0.Add(time.Minute), NoChans: 4, DetectVal: 3.6, Threshold: 1, SNR: 20},
		{ID: "middle", TemplateName: "tmpl/C", DetectTime: t0.Add(2 * time.Minute), NoChans: 4, DetectVal: 2.4, Threshold: 1},
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.NewReviewMetrics(reg)
	require.NoError(t, err)
	return NewService(repo, &ranking.Ranker{}, m), reg
}

// counterValue sums every series of a counter family with the given label.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestSetVerdictAndLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, reg := newTestService(t)

	require.NoError(t, svc.Review(ctx, "strong", "Confirmed", "ana", "clear P onset"))
	got, err := svc.Get(ctx, "strong")
	require.NoError(t, err)
	assert.Equal(t, detection.VerdictConfirmed, got.Verdict)
	assert.Equal(t, "ana", got.Reviewer)
	assert.InDelta(t, 1, counterValue(t, reg, "eqcutil_review_verdicts_total", "verdict", "confirmed"), 0)

	require.NoError(t, svc.SetLock(ctx, "strong", true))
	require.NoError(t, svc.SetLock(ctx, "strong", true), "locking twice is a no-op")

	err = svc.SetVerdict(ctx, "strong", detection.VerdictRejected, "bo")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	err = svc.Comment(ctx, "strong", "bo", "disagree")
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, svc.SetLock(ctx, "strong", false))
	require.NoError(t, svc.SetVerdict(ctx, "strong", detection.VerdictRejected, "bo"))
	assert.InDelta(t, 2, counterValue(t, reg, "eqcutil_review_locks_total", "action", "lock"), 0)
	assert.InDelta(t, 1, counterValue(t, reg, "eqcutil_review_locks_total", "action", "unlock"), 0)
}

func TestReviewOnLockedDetectionWritesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, reg := newTestService(t)

	require.NoError(t, svc.SetLock(ctx, "middle", true))
	err := svc.Review(ctx, "middle", detection.VerdictConfirmed, "ana", "looks real")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	got, err := svc.Get(ctx, "middle")
	require.NoError(t, err)
	assert.Equal(t, detection.VerdictUnreviewed, got.EffectiveVerdict())
	comments, err := svc.Comments(ctx, "middle")
	require.NoError(t, err)
	assert.Empty(t, comments)
	assert.Zero(t, counterValue(t, reg, "eqcutil_review_verdicts_total", "verdict", "confirmed"))
}

func TestReviewValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(t)

	assert.True(t, errors.IsValidation(svc.SetVerdict(ctx, "weak", "maybe", "ana")))
	assert.True(t, errors.IsValidation(svc.SetVerdict(ctx, "weak", detection.VerdictConfirmed, " ")))
	assert.True(t, errors.IsValidation(svc.Comment(ctx, "weak", "ana", "  ")))
	assert.True(t, errors.IsNotFound(svc.SetVerdict(ctx, "missing", detection.VerdictConfirmed, "ana")))
	assert.True(t, errors.IsNotFound(svc.SetLock(ctx, "missing", true)))
}

func TestNextAndSummary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(t)

	next, err := svc.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "strong", next.ID)
	assert.Equal(t, 1, next.Rank)

	require.NoError(t, svc.SetVerdict(ctx, "strong", detection.VerdictUncertain, "ana"))
	require.NoError(t, svc.SetLock(ctx, "middle", true))
	next, err = svc.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "weak", next.ID, "locked detections are skipped")

	require.NoError(t, svc.SetVerdict(ctx, "weak", detection.VerdictRejected, "ana"))
	_, err = svc.Next(ctx)
	assert.True(t, errors.IsNotFound(err))

	sum, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Total)
	assert.Equal(t, int64(1), sum.Counts[detection.VerdictUnreviewed])
	assert.Equal(t, int64(1), sum.Counts[detection.VerdictRejected])
	assert.Equal(t, int64(1), sum.Counts[detection.VerdictUncertain])
	assert.Equal(t, int64(0), sum.Counts[detection.VerdictConfirmed])
}

func TestRankedPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(t)

	all, err := svc.Ranked(ctx, detection.Filters{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"strong", "middle", "weak"}, []string{all[0].ID, all[1].ID, all[2].ID})

	page, err := svc.Ranked(ctx, detection.Filters{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "middle", page[0].ID)
	assert.Equal(t, 2, page[0].Rank)

	page, err = svc.Ranked(ctx, detection.Filters{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestExportCSV(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, reg := newTestService(t)
	require.NoError(t, svc.SetVerdict(ctx, "strong", detection.VerdictConfirmed, "ana"))

	var buf bytes.Buffer
	n, err := svc.Export(ctx, CSVExporter{W: &buf}, detection.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, "strong", rows[1][0])
	assert.Equal(t, "0.9000", rows[1][3])
	assert.Equal(t, "20.000", rows[1][5])
	assert.Equal(t, "confirmed", rows[1][6])
	assert.Equal(t, "ana", rows[1][7])
	assert.NotEmpty(t, rows[1][8])
	assert.Equal(t, "unreviewed", rows[3][6])
	assert.Empty(t, rows[3][5], "unknown SNR is left blank")

	assert.InDelta(t, 1, counterValue(t, reg, "eqcutil_review_exports_total", "exporter", "csv"), 0)
}

func TestExportJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, JSONExporter{W: &buf}.Export(context.Background(), nil))
	assert.JSONEq(t, "[]", buf.String())

	buf.Reset()
	rec := Record{ID: "x", Template: "tmplA", DetectTime: t0, AvgCC: 0.5, Verdict: detection.VerdictUnreviewed}
	require.NoError(t, JSONExporter{W: &buf}.Export(context.Background(), []Record{rec}))
	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "tmplA", got[0]["template"])
	assert.NotContains(t, got[0], "reviewed_at")
}

type fakeMQTT struct {
	connected bool
	failAt    int
	topics    []string
	payloads  [][]byte
}

func (f *fakeMQTT) Connect(context.Context) error { f.connected = true; return nil }
func (f *fakeMQTT) IsConnected() bool             { return f.connected }
func (f *fakeMQTT) Disconnect()                   { f.connected = false }

func (f *fakeMQTT) Publish(_ context.Context, topic string, payload []byte) error {
	if f.failAt > 0 && len(f.topics)+1 == f.failAt {
		return errors.NewStd("broker gone")
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestExportMQTT(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, reg := newTestService(t)

	client := &fakeMQTT{}
	n, err := svc.Export(ctx, MQTTExporter{Client: client, Topic: "eqcutil/reviews/"}, detection.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, client.connected)
	assert.Equal(t, []string{"eqcutil/reviews/tmplB", "eqcutil/reviews/tmpl_C", "eqcutil/reviews/tmplA"}, client.topics)

	var rec Record
	require.NoError(t, json.Unmarshal(client.payloads[0], &rec))
	assert.Equal(t, "strong", rec.ID)

	failing := &fakeMQTT{connected: true, failAt: 2}
	_, err = svc.Export(ctx, MQTTExporter{Client: failing, Topic: "t"}, detection.Filters{})
	require.Error(t, err)
	assert.Len(t, failing.topics, 1)
	assert.InDelta(t, 1, counterValue(t, reg, "eqcutil_review_exports_total", "status", metrics.StatusError), 0)
}

func TestRecordTopic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "base/a_b_c_d", RecordTopic("base/", "a/b+c#d"))
	assert.Equal(t, "base/tmpl", RecordTopic("base", "tmpl"))
}
