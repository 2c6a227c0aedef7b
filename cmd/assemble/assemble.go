// Package assemble provides the recovery command that builds the artifact
// from tiles left in the work directory.
package assemble

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/app"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/datastore"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/geo"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/pipeline"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/telemetry"
)

// Command creates the assemble command.
func Command(loader *app.Loader) *cobra.Command {
	var (
		name   string
		coords []float64
		epsg   int
		start  string
		end    string
		band   string
	)

	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Merge cached tiles, reproject and record without fetching",
		Long: `Assemble the tiles already present in the work directory, for example after
a run was interrupted between fetching and assembly. The working CRS and the
run arguments are read from the work directory manifest; --epsg or the bounding
box the run was started with is needed only for tiles without one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			crs, err := workingCRS(name, coords, epsg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := loader.Load(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			recorder, err := a.Recorder()
			if err != nil {
				return err
			}
			defer recorder.Close()

			p, err := a.Pipeline(nil, nil, recorder)
			if err != nil {
				return err
			}

			req := pipeline.ResumeRequest{AreaName: name, WorkingCRS: crs}
			if start != "" || end != "" || band != "" {
				req.Args = &datastore.RunArgs{Start: start, End: end, Band: band}
			}
			res, err := p.Resume(ctx, req)
			if res.Outcome == pipeline.Failed {
				telemetry.CaptureError(err)
			}
			if res.Outcome.Succeeded() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.AreaName, res.ArtifactPath)
			}
			return app.OutcomeError(res.Outcome, err)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Name of the search area")
	cmd.Flags().Float64SliceVarP(&coords, "coordinates", "c", nil, "Bounding box the tiles were fetched for: xmin,ymin,xmax,ymax")
	cmd.Flags().IntVar(&epsg, "epsg", 0, "EPSG code of the tiles' working CRS, e.g. 32611")
	cmd.Flags().StringVarP(&start, "start", "s", "", "Start date to record with the artifact")
	cmd.Flags().StringVarP(&end, "end", "e", "", "End date to record with the artifact")
	cmd.Flags().StringVarP(&band, "band", "b", "", "Band to record with the artifact")
	_ = cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("coordinates", "epsg")

	return cmd
}

func workingCRS(name string, coords []float64, epsg int) (geo.CRS, error) {
	if epsg == 0 && len(coords) == 0 {
		return 0, nil
	}
	if epsg != 0 {
		crs := geo.CRS(epsg)
		if !crs.Valid() || crs == geo.WGS84 {
			return 0, errors.ValidationError(fmt.Sprintf("EPSG:%d is not a UTM zone", epsg))
		}
		return crs, nil
	}
	area, err := app.ParseArea(name, coords)
	if err != nil {
		return 0, err
	}
	return area.WorkingCRS(), nil
}
