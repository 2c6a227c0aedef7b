package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.reported = append(r.reported, ee)
	ee.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.IsReported())
}

func TestBuilderPreservesChain(t *testing.T) {
	SetTelemetryReporter(nil)
	sentinel := NewStd("tile missing")

	ee := New(fmt.Errorf("read tile 3: %w", sentinel)).
		Component("mosaic").
		Category(CategoryRaster).
		Stage("assembly").
		Context("tile_index", 3).
		Build()

	require.ErrorIs(t, ee, sentinel)
	assert.Equal(t, "mosaic", ee.GetComponent())
	assert.Equal(t, "assembly", StageOf(ee))
	assert.Equal(t, 3, ee.GetContext()["tile_index"])
	assert.True(t, IsCategory(ee, CategoryRaster))
}

func TestDetectCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"cancelled", context.Canceled, CategoryCancellation},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"network", fmt.Errorf("dial tcp: connection refused"), CategoryNetwork},
		{"missing file", fmt.Errorf("open x.tif: no such file or directory"), CategoryFileIO},
		{"invalid", fmt.Errorf("invalid CRS"), CategoryValidation},
		{"other", fmt.Errorf("boom"), CategoryGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectCategory(tt.err))
		})
	}
}

func TestReporterReceivesErrors(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := Newf("upsert failed").Category(CategoryDatabase).Build()

	require.Len(t, reporter.reported, 1)
	assert.Same(t, ee, reporter.reported[0])
	assert.True(t, ee.IsReported())
	assert.NotEmpty(t, ee.GetComponent())
}

func TestScrubMessage(t *testing.T) {
	got := scrubMessage("oauth failed: client_secret=abc123&grant_type=client_credentials")
	assert.NotContains(t, got, "abc123")
	assert.Contains(t, got, "client_secret=[REDACTED]")
}

func TestStageOfPlainError(t *testing.T) {
	assert.Empty(t, StageOf(fmt.Errorf("plain")))
}
