package observability

import "github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"

// Package-level cached logger instance.
var log = logger.Global().Module("metrics")
