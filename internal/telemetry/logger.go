package telemetry

import "github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"

var log = logger.Global().Module("telemetry")
