// Package telemetry reports fatal pipeline errors to Sentry. Reporting is
// opt-in and disabled unless sentry.enabled is set.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
)

var initialized atomic.Bool

// Init initializes the Sentry SDK when settings enable it and installs the
// error reporter used by the errors package. transport is only set by tests.
func Init(settings *conf.Settings, release string, transport sentry.Transport) error {
	if !settings.Sentry.Enabled {
		log.Debug("sentry telemetry is disabled (opt-in required)")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		Transport:        transport,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
		Release:          "frostytrail@" + release,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("installation", settings.Main.Name)
	})

	errors.SetTelemetryReporter(&stageReporter{sentry: errors.NewSentryReporter(true)})
	initialized.Store(true)
	log.Info("sentry telemetry initialized", logger.String("release", release))
	return nil
}

// applyPrivacyFilters removes host identifying data from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}

// stageReporter forwards only errors that end a run: those carrying a stage
// in a category that is not recovered per tile.
type stageReporter struct {
	sentry *errors.SentryReporter
}

func (r *stageReporter) IsEnabled() bool {
	return r.sentry.IsEnabled()
}

func (r *stageReporter) ReportError(ee *errors.EnhancedError) {
	if !isFatal(ee) {
		return
	}
	r.sentry.ReportError(ee)
}

func isFatal(ee *errors.EnhancedError) bool {
	if ee.Context == nil || ee.Context["stage"] == nil {
		return false
	}
	switch ee.Category {
	case errors.CategoryImageFetch, errors.CategoryImageProvider, errors.CategoryNetwork,
		errors.CategoryCancellation, errors.CategoryTimeout:
		return false
	}
	return true
}

// CaptureError reports err unless it was already reported when it was built.
func CaptureError(err error) {
	if err == nil || !initialized.Load() {
		return
	}

	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		if !ee.IsReported() {
			errors.NewSentryReporter(true).ReportError(ee)
		}
		return
	}
	sentry.CaptureException(err)
}

// Flush waits up to timeout for buffered events to be sent.
func Flush(timeout time.Duration) {
	if !initialized.Load() {
		return
	}
	sentry.Flush(timeout)
}
