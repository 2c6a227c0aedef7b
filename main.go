package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/cmd"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/buildinfo"
)

// Set through -ldflags at build time.
var (
	version   = ""
	buildDate = ""
	commit    = ""
)

func main() {
	// The first SIGINT or SIGTERM cancels the run; the pipeline then gives
	// in-flight requests their grace period and clears the work directory.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Execute(ctx, buildinfo.NewContext(version, buildDate, commit), os.Args[1:])
	stop()
	os.Exit(code)
}
