package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/seisreview/eqcutil/internal/buildinfo"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/observability"
	"github.com/seisreview/eqcutil/internal/ranking"
	"github.com/seisreview/eqcutil/internal/review"
)

var t0 = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	e     *echo.Echo
	c     *Controller
	repo  *detection.StoreRepository
	store datastore.Interface
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "api.db")
	store, err := datastore.Open(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo := detection.NewRepository(store)
	_, err = repo.Save(context.Background(), []*detection.Detection{
		{ID: "d1", TemplateName: "tmplA", DetectTime: t0, NoChans: 4, DetectVal: 1.2, Threshold: 1},
		{ID: "d2", TemplateName: "tmplB", DetectTime: t0.Add(time.Minute), NoChans: 4, DetectVal: 3.6, Threshold: 1, SNR: 20},
		{ID: "d3", TemplateName: "tmplA", DetectTime: t0.Add(time.Hour), NoChans: 4, DetectVal: 2.4, Threshold: 1},
	})
	require.NoError(t, err)

	e := echo.New()
	svc := review.NewService(repo, &ranking.Ranker{}, nil)
	c := New(e, svc, settings, opts...)
	t.Cleanup(c.Shutdown)
	return &testServer{e: e, c: c, repo: repo, store: store}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func ids(list ListResponse) []string {
	out := make([]string, len(list.Detections))
	for i, d := range list.Detections {
		out[i] = d.ID
	}
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, WithBuildInfo(buildinfo.NewContext("1.2.3", "2026-01-01")))
	rec := s.do(t, http.MethodGet, Prefix+"/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "connected", body["database_status"])
}

func TestListDetections(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, Prefix+"/detections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListResponse](t, rec)
	assert.Equal(t, []string{"d2", "d3", "d1"}, ids(list))
	assert.Equal(t, 1, list.Detections[0].Rank)

	rec = s.do(t, http.MethodGet, Prefix+"/detections?template=tmplA&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"d3"}, ids(decode[ListResponse](t, rec)))

	rec = s.do(t, http.MethodGet, Prefix+"/detections?end=2023-05-01T12:30:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"d2", "d1"}, ids(decode[ListResponse](t, rec)))

	for _, q := range []string{"verdict=maybe", "start=yesterday", "min_avg_cc=2", "limit=-1",
		"start=2023-05-02T00:00:00Z&end=2023-05-01T00:00:00Z"} {
		rec = s.do(t, http.MethodGet, Prefix+"/detections?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestReviewInvalidatesCache(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, Prefix+"/detections?verdict=unreviewed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListResponse](t, rec).Detections, 3)

	// writes behind the controller's back are hidden by the cache
	require.NoError(t, s.repo.SaveReview(context.Background(), "d1", detection.VerdictRejected, "bo"))
	rec = s.do(t, http.MethodGet, Prefix+"/detections?verdict=unreviewed", "")
	assert.Len(t, decode[ListResponse](t, rec).Detections, 3)

	rec = s.do(t, http.MethodPost, Prefix+"/detections/d2/review",
		`{"verdict":"confirmed","reviewer":"ana","comment":"impulsive onset"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[DetectionResponse](t, rec)
	assert.Equal(t, detection.VerdictConfirmed, got.Verdict)
	assert.InDelta(t, 0.9, got.AvgCC, 1e-9)
	require.Len(t, got.Comments, 1)
	assert.Equal(t, "impulsive onset", got.Comments[0].Entry)

	rec = s.do(t, http.MethodGet, Prefix+"/detections?verdict=unreviewed", "")
	assert.Equal(t, []string{"d3"}, ids(decode[ListResponse](t, rec)))
}

func TestReviewErrors(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, Prefix+"/detections/d1/review", `{"verdict":"maybe","reviewer":"ana"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Len(t, errResp.CorrelationID, 8)

	rec = s.do(t, http.MethodPost, Prefix+"/detections/nope/review", `{"verdict":"confirmed","reviewer":"ana"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, Prefix+"/detections/d1/review", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, Prefix+"/detections/d1/lock", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, Prefix+"/detections/d1/lock", `{"locked":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, Prefix+"/detections/d1/review", `{"verdict":"confirmed","reviewer":"ana"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, Prefix+"/detections/d1/lock", `{"locked":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, Prefix+"/detections/d1/review", `{"verdict":"confirmed","reviewer":"ana"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNextAndSummary(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, Prefix+"/review/next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "d2", decode[ranking.Ranked](t, rec).ID)

	for _, id := range []string{"d1", "d2", "d3"} {
		rec = s.do(t, http.MethodPost, Prefix+"/detections/"+id+"/review", `{"verdict":"uncertain","reviewer":"ana"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec = s.do(t, http.MethodGet, Prefix+"/review/next", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, Prefix+"/review/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[review.Summary](t, rec)
	assert.Equal(t, int64(3), sum.Total)
	assert.Equal(t, int64(3), sum.Counts[detection.VerdictUncertain])
}

func TestExportCSV(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, Prefix+"/export.csv?template=tmplA", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/csv")
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "detections.csv")

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, review.CSVHeader, rows[0])
	assert.Equal(t, "d3", rows[1][0])
}

func TestMetricsRoute(t *testing.T) {
	m, err := observability.NewMetrics()
	require.NoError(t, err)

	s := newTestServer(t, WithMetrics(m))
	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	plain := newTestServer(t)
	rec = plain.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListingCacheKeepsSubSecondBounds(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, Prefix+"/detections?start=2023-05-01T12:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"d2", "d3", "d1"}, ids(decode[ListResponse](t, rec)))

	rec = s.do(t, http.MethodGet, Prefix+"/detections?start=2023-05-01T12:00:00.5Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"d2", "d3"}, ids(decode[ListResponse](t, rec)))

	assert.NotEqual(t,
		cacheKey(detection.Filters{End: t0}),
		cacheKey(detection.Filters{End: t0.Add(time.Millisecond)}))
}

func TestFailedCommentLeavesVerdictUnchanged(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, Prefix+"/detections?verdict=unreviewed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListResponse](t, rec).Detections, 3)

	sqlite, ok := s.store.(*datastore.SQLiteStore)
	require.True(t, ok)
	err := sqlite.DB.Callback().Create().Before("gorm:create").Register("test:fail_comments", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "detection_comments" {
			_ = tx.AddError(errors.NewStd("comment insert failed"))
		}
	})
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, Prefix+"/detections/d1/review",
		`{"verdict":"rejected","reviewer":"bo","comment":"noise burst"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())

	got, err := s.repo.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, detection.VerdictUnreviewed, got.EffectiveVerdict())

	rec = s.do(t, http.MethodGet, Prefix+"/detections?verdict=unreviewed", "")
	assert.Len(t, decode[ListResponse](t, rec).Detections, 3)
}
