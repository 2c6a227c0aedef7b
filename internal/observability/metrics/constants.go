// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Metric namespace shared by all collectors.
const Namespace = "frostytrail"

// Label names.
const (
	LabelStatus  = "status"
	LabelStage   = "stage"
	LabelOutcome = "outcome"
)

// ShutdownTimeout is how long the metrics server waits for in-flight scrapes on shutdown.
const ShutdownTimeout = 5 * time.Second
