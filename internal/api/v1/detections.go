package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/ranking"
	"github.com/seisreview/eqcutil/internal/review"
)

const maxListLimit = 1000

// ListResponse is the body of GET /detections.
type ListResponse struct {
	Detections []ranking.Ranked `json:"detections"`
	Count      int              `json:"count"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
}

// DetectionResponse is one detection with its notes.
type DetectionResponse struct {
	detection.Detection
	AvgCC    float64   `json:"avg_cc"`
	Score    float64   `json:"score"`
	Comments []Comment `json:"comments"`
}

// Comment is an analyst note.
type Comment struct {
	Author    string    `json:"author"`
	Entry     string    `json:"entry"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewRequest is the body of POST /detections/:id/review.
type ReviewRequest struct {
	Verdict  string `json:"verdict"`
	Reviewer string `json:"reviewer"`
	Comment  string `json:"comment"`
}

// LockRequest is the body of POST /detections/:id/lock.
type LockRequest struct {
	Locked *bool `json:"locked"`
}

// parseFilters reads the listing query parameters.
func parseFilters(ctx echo.Context) (detection.Filters, error) {
	var f detection.Filters
	f.TemplateName = strings.TrimSpace(ctx.QueryParam("template"))

	if v := ctx.QueryParam("verdict"); v != "" {
		verdict, ok := detection.ParseVerdict(v)
		if !ok {
			return f, fmt.Errorf("unknown verdict %q", v)
		}
		f.Verdict = verdict
	}

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start", &f.Start}, {"end", &f.End}} {
		v := ctx.QueryParam(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid %s time %q, expected RFC3339", p.name, v)
		}
		*p.dst = t.UTC()
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return f, fmt.Errorf("end is before start")
	}

	if v := ctx.QueryParam("min_avg_cc"); v != "" {
		cc, err := strconv.ParseFloat(v, 64)
		if err != nil || cc < 0 || cc > 1 {
			return f, fmt.Errorf("min_avg_cc must be a number between 0 and 1")
		}
		f.MinAvgCorrelation = cc
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		v := ctx.QueryParam(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%s must be a non-negative integer", p.name)
		}
		*p.dst = n
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return f, nil
}

// timeKey keeps the full precision the filter parser accepts.
func timeKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func cacheKey(f detection.Filters) string {
	return fmt.Sprintf("%s|%s|%s|%s|%g|%d|%d",
		f.TemplateName, f.Verdict,
		timeKey(f.Start), timeKey(f.End),
		f.MinAvgCorrelation, f.Limit, f.Offset)
}

// ranked serves a listing from the cache or the review service.
func (c *Controller) ranked(ctx echo.Context, f detection.Filters) ([]ranking.Ranked, error) {
	key := cacheKey(f)
	if v, ok := c.rankedCache.Get(key); ok {
		if ranked, ok := v.([]ranking.Ranked); ok {
			return ranked, nil
		}
	}
	ranked, err := c.Service.Ranked(ctx.Request().Context(), f)
	if err != nil {
		return nil, err
	}
	c.rankedCache.SetDefault(key, ranked)
	return ranked, nil
}

// ListDetections handles GET /detections.
func (c *Controller) ListDetections(ctx echo.Context) error {
	f, err := parseFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid query parameters", http.StatusBadRequest)
	}
	ranked, err := c.ranked(ctx, f)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list detections", 0)
	}
	if ranked == nil {
		ranked = []ranking.Ranked{}
	}
	return ctx.JSON(http.StatusOK, ListResponse{
		Detections: ranked,
		Count:      len(ranked),
		Limit:      f.Limit,
		Offset:     f.Offset,
	})
}

// GetDetection handles GET /detections/:id.
func (c *Controller) GetDetection(ctx echo.Context) error {
	id := ctx.Param("id")
	reqCtx := ctx.Request().Context()
	d, err := c.Service.Get(reqCtx, id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get detection", 0)
	}
	comments, err := c.Service.Comments(reqCtx, id)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get comments", 0)
	}

	avg := d.AvgCorrelation()
	if d.NoChans <= 0 {
		avg = 0
	}
	return ctx.JSON(http.StatusOK, DetectionResponse{
		Detection: *d,
		AvgCC:     avg,
		Score:     c.Service.Ranker().Score(d),
		Comments:  toComments(comments),
	})
}

func toComments(in []datastore.DetectionComment) []Comment {
	out := make([]Comment, len(in))
	for i, c := range in {
		out[i] = Comment{Author: c.Author, Entry: c.Entry, CreatedAt: c.CreatedAt.UTC()}
	}
	return out
}

// ReviewDetection handles POST /detections/:id/review.
func (c *Controller) ReviewDetection(ctx echo.Context) error {
	var req ReviewRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	id := ctx.Param("id")
	err := c.Service.Review(ctx.Request().Context(), id, detection.Verdict(req.Verdict), req.Reviewer, req.Comment)
	c.invalidate()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to save review", 0)
	}
	return c.GetDetection(ctx)
}

// LockDetection handles POST /detections/:id/lock.
func (c *Controller) LockDetection(ctx echo.Context) error {
	var req LockRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.Locked == nil {
		return c.HandleError(ctx, nil, "locked is required", http.StatusBadRequest)
	}
	if err := c.Service.SetLock(ctx.Request().Context(), ctx.Param("id"), *req.Locked); err != nil {
		return c.HandleError(ctx, err, "Failed to change lock", 0)
	}
	c.invalidate()
	return ctx.JSON(http.StatusOK, map[string]any{"id": ctx.Param("id"), "locked": *req.Locked})
}

// NextDetection handles GET /review/next.
func (c *Controller) NextDetection(ctx echo.Context) error {
	next, err := c.Service.Next(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "No detection to review", 0)
	}
	return ctx.JSON(http.StatusOK, next)
}

// ReviewSummary handles GET /review/summary.
func (c *Controller) ReviewSummary(ctx echo.Context) error {
	sum, err := c.Service.Summary(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to summarize reviews", 0)
	}
	return ctx.JSON(http.StatusOK, sum)
}

// ExportCSV handles GET /export.csv with the listing filters.
func (c *Controller) ExportCSV(ctx echo.Context) error {
	f, err := parseFilters(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid query parameters", http.StatusBadRequest)
	}
	var buf bytes.Buffer
	if _, err := c.Service.Export(ctx.Request().Context(), review.CSVExporter{W: &buf}, f); err != nil {
		return c.HandleError(ctx, err, "Failed to export detections", 0)
	}
	ctx.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="detections.csv"`)
	return ctx.Blob(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}
