package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
)

// mockTransport implements sentry.Transport and keeps every event.
type mockTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *mockTransport) Configure(sentry.ClientOptions) {} //nolint:gocritic // interface signature

func (t *mockTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *mockTransport) Flush(time.Duration) bool              { return true }
func (t *mockTransport) FlushWithContext(context.Context) bool { return true }
func (t *mockTransport) Close()                                {}

func (t *mockTransport) Events() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sentry.Event(nil), t.events...)
}

func initForTest(t *testing.T) *mockTransport {
	t.Helper()

	transport := &mockTransport{}
	settings := &conf.Settings{}
	settings.Main.Name = "test"
	settings.Sentry.Enabled = true
	settings.Sentry.DSN = "https://public@sentry.example.com/1"

	require.NoError(t, Init(settings, "test", transport))
	t.Cleanup(func() {
		errors.SetTelemetryReporter(nil)
		initialized.Store(false)
	})
	return transport
}

func TestInitDisabled(t *testing.T) {
	require.NoError(t, Init(&conf.Settings{}, "test", nil))
	assert.False(t, initialized.Load())

	// Nothing is sent or panics without initialization.
	CaptureError(errors.NewStd("ignored"))
	Flush(time.Millisecond)
}

func TestFatalStageErrorsAreReported(t *testing.T) {
	transport := initForTest(t)

	_ = errors.Newf("corrupt tile").
		Component("mosaic").
		Category(errors.CategoryRaster).
		Stage("assembly").
		Context("path", "/tmp/tile_3.tif?token=abc").
		Build()

	events := transport.Events()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "corrupt tile")
	assert.Equal(t, "assembly", events[0].Tags["stage"])
	assert.Empty(t, events[0].ServerName)
}

func TestRecoverableErrorsAreNotReported(t *testing.T) {
	transport := initForTest(t)

	// Per tile provider failure.
	_ = errors.Newf("provider returned 503").
		Component("fetch").
		Category(errors.CategoryImageFetch).
		Stage("fetch").
		Build()
	// No stage.
	_ = errors.Newf("token expired").
		Component("sentinelhub").
		Category(errors.CategoryNetwork).
		Build()
	// Cancellation is a normal exit.
	_ = errors.New(context.Canceled).
		Component("reproject").
		Category(errors.CategoryCancellation).
		Stage("reprojection").
		Build()

	assert.Empty(t, transport.Events())
}

func TestCaptureErrorOnce(t *testing.T) {
	transport := initForTest(t)

	err := errors.Newf("write failed").
		Component("datastore").
		Category(errors.CategoryDatabase).
		Stage("recording").
		Build()
	require.Len(t, transport.Events(), 1)

	CaptureError(err)
	assert.Len(t, transport.Events(), 1, "already reported on build")

	CaptureError(errors.NewStd("plain failure"))
	assert.Len(t, transport.Events(), 2)
}

func TestApplyPrivacyFilters(t *testing.T) {
	event := sentry.NewEvent()
	event.ServerName = "host.local"
	event.User = sentry.User{ID: "42"}
	event.Contexts = map[string]sentry.Context{"os": {"name": "linux"}, "app": {"v": 1}}
	event.Tags = map[string]string{"hostname": "host.local", "stage": "fetch"}

	filtered := applyPrivacyFilters(event)
	assert.Empty(t, filtered.ServerName)
	assert.Empty(t, filtered.User.ID)
	assert.NotContains(t, filtered.Contexts, "os")
	assert.Contains(t, filtered.Contexts, "app")
	assert.NotContains(t, filtered.Tags, "hostname")
	assert.Equal(t, "fetch", filtered.Tags["stage"])
}
