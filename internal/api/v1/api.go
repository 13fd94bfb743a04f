// Package api serves the detection review workflow over HTTP.
package api

import (
	"crypto/rand"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	"github.com/seisreview/eqcutil/internal/api/middleware"
	"github.com/seisreview/eqcutil/internal/buildinfo"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/observability"
	"github.com/seisreview/eqcutil/internal/review"
)

// Prefix is the mount point of every review route.
const Prefix = "/api/v1"

const defaultCacheTTL = 30 * time.Second

// Controller manages the API routes and handlers
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	Service  *review.Service
	Settings *conf.Settings

	build       buildinfo.BuildInfo
	metrics     *observability.Metrics
	rankedCache *cache.Cache // ranked listings keyed by filter
	startTime   time.Time
	log         logger.Logger
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithMetrics exposes /metrics when telemetry metrics are enabled.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithBuildInfo reports version metadata on /health.
func WithBuildInfo(b buildinfo.BuildInfo) Option {
	return func(c *Controller) {
		c.build = b
	}
}

// New creates a controller and registers its routes on e.
func New(e *echo.Echo, svc *review.Service, settings *conf.Settings, opts ...Option) *Controller {
	ttl := settings.Server.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &Controller{
		Echo:     e,
		Service:  svc,
		Settings: settings,
		build:    buildinfo.NewContext("", ""),
		// entries expire lazily on Get so no janitor goroutine is started
		rankedCache: cache.New(ttl, 0),
		startTime:   time.Now(),
		log:         GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	sec := middleware.SecurityConfigFromSettings(settings.Server)
	e.Use(middleware.NewCORS(sec), middleware.NewSecureHeaders(sec))
	c.Group = e.Group(Prefix, middleware.NewBodyLimit(middleware.DefaultBodyLimit))
	c.initRoutes()
	return c
}

func (c *Controller) initRoutes() {
	c.Group.GET("/health", c.HealthCheck)

	c.Group.GET("/detections", c.ListDetections)
	c.Group.GET("/detections/:id", c.GetDetection)
	c.Group.POST("/detections/:id/review", c.ReviewDetection)
	c.Group.POST("/detections/:id/lock", c.LockDetection)

	c.Group.GET("/review/next", c.NextDetection)
	c.Group.GET("/review/summary", c.ReviewSummary)
	c.Group.GET("/export.csv", c.ExportCSV)

	if c.metrics != nil && c.Settings.Telemetry.Metrics {
		c.Echo.GET("/metrics", echo.WrapHandler(c.metrics.Handler()))
	}
}

// HealthCheck handles the API health check endpoint
func (c *Controller) HealthCheck(ctx echo.Context) error {
	response := map[string]any{
		"status":         "healthy",
		"version":        c.build.Version(),
		"build_date":     c.build.BuildDate(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(c.startTime).Seconds(),
	}

	dbStatus := "connected"
	if _, err := c.Service.Summary(ctx.Request().Context()); err != nil {
		dbStatus = "disconnected"
		response["status"] = "degraded"
		response["database_error"] = err.Error()
	}
	response["database_status"] = dbStatus
	return ctx.JSON(http.StatusOK, response)
}

// Shutdown drops cached listings.
func (c *Controller) Shutdown() {
	c.rankedCache.Flush()
}

// invalidate drops every cached listing after a review write.
func (c *Controller) invalidate() {
	c.rankedCache.Flush()
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

// generateCorrelationID creates a short random identifier for error tracking.
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 8

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// statusFor maps error categories to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HandleError logs err and writes an ErrorResponse. A zero code is derived
// from the error category.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	if code == 0 {
		code = statusFor(err)
	}
	resp := NewErrorResponse(err, message, code)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
		logger.String("ip", ctx.RealIP()),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		c.log.Error("API error", fields...)
	} else {
		c.log.Debug("API request rejected", fields...)
	}
	return ctx.JSON(code, resp)
}
