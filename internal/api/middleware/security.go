package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/seisreview/eqcutil/internal/conf"
)

// HSTSMaxAge is the max-age value for HSTS header (1 year in seconds).
const HSTSMaxAge = 31536000

// DefaultBodyLimit caps review request bodies. Verdict and lock payloads are
// a few short strings.
const DefaultBodyLimit = "64K"

// apiContentSecurityPolicy forbids active content; the API only returns JSON
// and CSV.
const apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

// SecurityConfig holds configuration for security middleware.
type SecurityConfig struct {
	AllowedOrigins []string

	HSTSMaxAge            int
	HSTSExcludeSubdomains bool

	ContentSecurityPolicy string
}

// DefaultSecurityConfig allows any origin without credentials.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		AllowedOrigins:        []string{"*"},
		HSTSMaxAge:            HSTSMaxAge,
		ContentSecurityPolicy: apiContentSecurityPolicy,
	}
}

// SecurityConfigFromSettings restricts CORS to server.allowedorigins when set.
func SecurityConfigFromSettings(s conf.ServerSettings) SecurityConfig {
	cfg := DefaultSecurityConfig()
	if len(s.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = s.AllowedOrigins
	}
	return cfg
}

// NewCORS allows the review methods from the configured origins. The export
// filename header is exposed so browser clients can save the CSV by name.
func NewCORS(config SecurityConfig) echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: config.AllowedOrigins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
		},
		ExposeHeaders: []string{echo.HeaderContentDisposition},
	})
}

// NewSecureHeaders sets the response hardening headers.
func NewSecureHeaders(config SecurityConfig) echo.MiddlewareFunc {
	return middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            config.HSTSMaxAge,
		HSTSExcludeSubdomains: config.HSTSExcludeSubdomains,
		ContentSecurityPolicy: config.ContentSecurityPolicy,
		ReferrerPolicy:        "no-referrer",
	})
}

// NewBodyLimit creates a middleware that limits the request body size.
func NewBodyLimit(limit string) echo.MiddlewareFunc {
	return middleware.BodyLimit(limit)
}
