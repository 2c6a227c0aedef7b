package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/pipeline"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitFailed    = 1
	ExitNoImagery = 2
	ExitCancelled = 130
)

// ExitError carries the process exit code for a command result.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a run outcome to the process exit code.
func ExitCode(o pipeline.Outcome) int {
	switch o {
	case pipeline.Success, pipeline.SuccessWithWarnings:
		return ExitOK
	case pipeline.NoImagery:
		return ExitNoImagery
	case pipeline.Cancelled:
		return ExitCancelled
	default:
		return ExitFailed
	}
}

// OutcomeError returns nil for successful outcomes and an *ExitError otherwise.
func OutcomeError(o pipeline.Outcome, err error) error {
	code := ExitCode(o)
	if code == ExitOK {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// CodeOf returns the exit code for an error returned by a command.
func CodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailed
}

// Bands expands the band setting. An empty value selects both polarizations.
func Bands(band string) ([]string, error) {
	switch strings.ToUpper(strings.TrimSpace(band)) {
	case "":
		return []string{"VV", "VH"}, nil
	case "VV":
		return []string{"VV"}, nil
	case "VH":
		return []string{"VH"}, nil
	}
	return nil, errors.ValidationError(fmt.Sprintf("band must be VV or VH, got %q", band))
}

// ParseDate parses a YYYY-MM-DD date in UTC. An empty string is the zero time.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.ValidationError(fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", s))
	}
	return t, nil
}

// EndOfDay moves a date to the last second of its day so that a range
// ending on that date includes it.
func EndOfDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Add(24*time.Hour - time.Second)
}

// ParseArea builds an AOI from the xmin ymin xmax ymax command arguments.
func ParseArea(name string, coords []float64) (geo.AreaOfInterest, error) {
	if strings.TrimSpace(name) == "" {
		return geo.AreaOfInterest{}, errors.ValidationError("area name is required")
	}
	if len(coords) != 4 {
		return geo.AreaOfInterest{}, errors.ValidationError(
			fmt.Sprintf("expected 4 coordinates (xmin ymin xmax ymax), got %d", len(coords)))
	}
	return geo.NewAreaOfInterest(name, coords[0], coords[1], coords[2], coords[3])
}
