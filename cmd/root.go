package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/cmd/assemble"
	configcmd "github.com/FrostyTrailMate/FrostyTrailMate.github.io/cmd/config"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/cmd/record"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/cmd/sar"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/cmd/tiles"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/cmd/version"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/app"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/buildinfo"
)

// RootCommand creates and returns the root command
func RootCommand(build *buildinfo.Context) *cobra.Command {
	loader := &app.Loader{Build: build}

	rootCmd := &cobra.Command{
		Use:           "frostytrail",
		Short:         "FrostyTrail SAR acquisition CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	rootCmd.PersistentFlags().StringVar(&loader.ConfigFile, "config", "", "Path to config file (default: search standard locations)")
	rootCmd.PersistentFlags().BoolVarP(&loader.Debug, "debug", "d", false, "Enable debug output")

	subcommands := []*cobra.Command{
		sar.Command(loader),
		assemble.Command(loader),
		record.Command(loader),
		tiles.Command(loader),
		configcmd.Command(loader),
		version.Command(build),
	}
	rootCmd.AddCommand(subcommands...)

	return rootCmd
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, build *buildinfo.Context, args []string) int {
	rootCmd := RootCommand(build)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(ctx)
	code := app.CodeOf(err)
	if err != nil && code != app.ExitCancelled {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return code
}
