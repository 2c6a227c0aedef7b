// Package record provides the command that retries only the recording step.
package record

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/app"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/datastore"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/pipeline"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/reproject"
)

// Command creates the record command.
func Command(loader *app.Loader) *cobra.Command {
	var (
		name  string
		path  string
		start string
		end   string
		band  string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an existing artifact for an area",
		Long: `Write the artifact path for an area to the metadata store. Use this when a run
produced its artifact but failed to record it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loader.Load(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if path == "" {
				outputDir, err := conf.GetBasePath(a.Settings.Pipeline.OutputDir)
				if err != nil {
					return err
				}
				path = reproject.ReprojectedPath(outputDir, name, geo.WGS84)
			}
			fi, err := os.Stat(path)
			if err != nil {
				return errors.FileError(err, path, 0)
			}

			recorder, err := a.Recorder()
			if err != nil {
				return err
			}
			defer recorder.Close()

			var opts []datastore.UpsertOption
			if start != "" || end != "" || band != "" {
				opts = append(opts, datastore.WithRunArgs(datastore.RunArgs{Start: start, End: end, Band: band}))
			}
			// The artifact's write time is when it was collected.
			if err := pipeline.Record(ctx, recorder, name, path, fi.ModTime().UTC(), opts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: recorded %s at %s\n", name, path, fi.ModTime().UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Name of the search area")
	cmd.Flags().StringVarP(&path, "path", "p", "", "Artifact path (default: <outputdir>/<name>_merged_EPSG4326.tif)")
	cmd.Flags().StringVarP(&start, "start", "s", "", "Start date the artifact was acquired for")
	cmd.Flags().StringVarP(&end, "end", "e", "", "End date the artifact was acquired for")
	cmd.Flags().StringVarP(&band, "band", "b", "", "Band of the artifact")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
