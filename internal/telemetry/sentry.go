// Package telemetry provides opt-in, privacy-filtered error reporting to Sentry.
package telemetry

import (
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/seisreview/eqcutil/internal/buildinfo"
	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// flushTimeout bounds how long Flush waits for queued events on shutdown.
const flushTimeout = 2 * time.Second

// InitSentry initializes the Sentry SDK and routes enhanced errors to it.
// Nothing happens unless telemetry.sentry.enabled is set.
func InitSentry(settings *conf.Settings, build buildinfo.BuildInfo) error {
	return initSentry(settings, build, nil)
}

func initSentry(settings *conf.Settings, build buildinfo.BuildInfo, transport sentry.Transport) error {
	cfg := settings.Telemetry.Sentry
	if !cfg.Enabled {
		GetLogger().Debug("sentry telemetry is disabled (opt-in required)")
		return nil
	}
	if cfg.DSN == "" {
		return errors.Newf("telemetry.sentry.dsn is required when sentry is enabled").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if build == nil {
		build = buildinfo.NewContext("", "")
	}
	environment := "production"
	if settings.Debug {
		environment = "development"
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      environment,
		ServerName:       "", // prevent hostname leakage
		Release:          "eqcutil@" + build.Version(),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
		Transport: transport,
	})
	if err != nil {
		return errors.New(err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetTag("go_version", runtime.Version())
	})
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))

	GetLogger().Info("sentry telemetry initialized",
		logger.String("release", "eqcutil@"+build.Version()),
		logger.String("environment", environment))
	return nil
}

// applyPrivacyFilters strips user, host and runtime details from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}

// Flush waits for queued events and detaches the error reporter.
func Flush() {
	if errors.GetTelemetryReporter() == nil {
		return
	}
	sentry.Flush(flushTimeout)
	errors.SetTelemetryReporter(nil)
}
