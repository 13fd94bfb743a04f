// Package httpserver runs the review API on an echo server with graceful
// shutdown.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/seisreview/eqcutil/internal/api/middleware"
	api "github.com/seisreview/eqcutil/internal/api/v1"
	"github.com/seisreview/eqcutil/internal/buildinfo"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/observability"
	"github.com/seisreview/eqcutil/internal/review"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server owns the echo instance and the API controller mounted on it.
type Server struct {
	Echo     *echo.Echo
	API      *api.Controller
	Settings *conf.Settings

	log logger.Logger
}

// New builds the server and registers the API routes. m may be nil.
func New(settings *conf.Settings, svc *review.Service, build buildinfo.BuildInfo, m *observability.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = readHeaderTimeout

	log := GetLogger()
	e.Use(middleware.NewRequestLoggerWithSkipper(log, func(c echo.Context) bool {
		return c.Path() == "/metrics"
	}))

	opts := []api.Option{api.WithBuildInfo(build)}
	if m != nil {
		opts = append(opts, api.WithMetrics(m))
	}
	return &Server{
		Echo:     e,
		API:      api.New(e, svc, settings, opts...),
		Settings: settings,
		log:      log,
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return net.JoinHostPort(s.Settings.Server.Host, s.Settings.Server.Port)
}

// Run serves until ctx is done or the listener fails, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Echo.Start(s.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("review API listening", logger.String("address", s.Address()))

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.New(err).
				Component("httpserver").
				Category(errors.CategoryHTTP).
				Context("address", s.Address()).
				Build()
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.Shutdown(shutdownCtx)
	<-errCh
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones and drops the
// API caches.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down review API")
	defer s.API.Shutdown()
	if err := s.Echo.Shutdown(ctx); err != nil {
		return errors.New(err).
			Component("httpserver").
			Category(errors.CategoryHTTP).
			Context("operation", "shutdown").
			Build()
	}
	return nil
}
