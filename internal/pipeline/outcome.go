package pipeline

import (
	"fmt"
	"time"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/fetch"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
)

// Outcome is how a run ended.
type Outcome int

const (
	// Success means every tile was available and the artifact was recorded.
	Success Outcome = iota
	// SuccessWithWarnings means the artifact was recorded but some tiles failed.
	SuccessWithWarnings
	// NoImagery means no tile could be fetched. Nothing was written.
	NoImagery
	// Failed means a stage after fetching failed. Tiles are kept for recovery.
	Failed
	// Cancelled means the run was stopped. The work directory is empty.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case SuccessWithWarnings:
		return "success_with_warnings"
	case NoImagery:
		return "no_imagery"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Succeeded reports whether an artifact was produced and recorded.
func (o Outcome) Succeeded() bool { return o == Success || o == SuccessWithWarnings }

// Stage names carried in the "stage" context of errors.
const (
	StageTiling       = "tiling"
	StageFetch        = "fetch"
	StageAssembly     = "assembly"
	StageReprojection = "reprojection"
	StageRecording    = "recording"
)

// Result describes a finished run.
type Result struct {
	RunID        string
	AreaName     string
	Outcome      Outcome
	Stage        string // stage that ended the run, empty on success
	WorkingCRS   geo.CRS
	Tiles        int
	Fetch        fetch.Summary
	MosaicPath   string
	ArtifactPath string
	CollectedAt  time.Time
	AcquiredAt   *time.Time
	Duration     time.Duration
}

// Warnings returns one line per failed tile.
func (r Result) Warnings() []string {
	out := make([]string, 0, len(r.Fetch.FailedIndices))
	for _, i := range r.Fetch.FailedIndices {
		out = append(out, fmt.Sprintf("tile %d could not be fetched, its area is empty in the mosaic", i))
	}
	return out
}
