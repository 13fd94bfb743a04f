package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/logger"
)

func TestSecurityMiddleware(t *testing.T) {
	t.Parallel()

	e := echo.New()
	cfg := DefaultSecurityConfig()
	e.Use(NewCORS(cfg), NewSecureHeaders(cfg), NewBodyLimit("8B"),
		NewRequestLogger(logger.NewSlogLogger(nil, logger.LogLevelError, nil)))
	e.POST("/echo", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("{}"))
	req.Header.Set(echo.HeaderOrigin, "http://example.org")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get(echo.HeaderXContentTypeOptions))
	assert.Equal(t, "DENY", rec.Header().Get(echo.HeaderXFrameOptions))
	assert.Equal(t, "*", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, apiContentSecurityPolicy, rec.Header().Get(echo.HeaderContentSecurityPolicy))

	req = httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"verdict":"confirmed"}`))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSecurityConfigFromSettingsRestrictsOrigins(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"*"}, SecurityConfigFromSettings(conf.ServerSettings{}).AllowedOrigins)

	cfg := SecurityConfigFromSettings(conf.ServerSettings{AllowedOrigins: []string{"https://review.example.org"}})
	e := echo.New()
	e.Use(NewCORS(cfg))
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ping", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, "http://elsewhere.example.org")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	req = httptest.NewRequest(http.MethodGet, "/ping", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, "https://review.example.org")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "https://review.example.org", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}
