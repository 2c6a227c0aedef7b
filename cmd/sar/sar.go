// Package sar provides the command that acquires a SAR artifact for an area.
package sar

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/app"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/pipeline"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/telemetry"
)

type flags struct {
	name   string
	coords []float64
	start  string
	end    string
	band   string
}

// Command creates the sar command.
func Command(loader *app.Loader) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "sar",
		Short: "Fetch, mosaic and reproject Sentinel-1 imagery for an area",
		Long: `Fetch Sentinel-1 backscatter tiles covering a bounding box, merge them into
one GeoTIFF, reproject it to EPSG:4326 and record the artifact path for the area.

Examples:
  frostytrail sar -n Yosemite -c -119.9,37.5,-119.2,38.0
  frostytrail sar -n Yosemite -c -119.9,37.5,-119.2,38.0 -s 2024-03-01 -e 2024-03-10 -b VV`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, loader, f)
		},
	}

	cmd.Flags().StringVarP(&f.name, "name", "n", "", "Name of the search area")
	cmd.Flags().Float64SliceVarP(&f.coords, "coordinates", "c", nil, "Bounding box in degrees: xmin,ymin,xmax,ymax")
	cmd.Flags().StringVarP(&f.start, "start", "s", "", "Start date YYYY-MM-DD (default: lookback days before end)")
	cmd.Flags().StringVarP(&f.end, "end", "e", "", "End date YYYY-MM-DD (default: today)")
	cmd.Flags().StringVarP(&f.band, "band", "b", "", "Polarization VV or VH (default: both)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("coordinates")

	return cmd
}

func run(cmd *cobra.Command, loader *app.Loader, f flags) error {
	area, err := app.ParseArea(f.name, f.coords)
	if err != nil {
		return err
	}
	from, err := app.ParseDate(f.start)
	if err != nil {
		return err
	}
	to, err := app.ParseDate(f.end)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := loader.Load(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	req, err := a.RunRequest(area, from, app.EndOfDay(to), f.band)
	if err != nil {
		return err
	}

	client, err := a.SentinelHub()
	if err != nil {
		return err
	}
	recorder, err := a.Recorder()
	if err != nil {
		return err
	}
	defer recorder.Close()

	p, err := a.Pipeline(client, client, recorder)
	if err != nil {
		return err
	}

	res, err := p.Run(ctx, req)
	if res.Outcome == pipeline.Failed {
		telemetry.CaptureError(err)
	}
	printResult(cmd, res)
	return app.OutcomeError(res.Outcome, err)
}

func printResult(cmd *cobra.Command, res pipeline.Result) {
	out := cmd.OutOrStdout()
	switch res.Outcome {
	case pipeline.Success:
		fmt.Fprintf(out, "%s: %s\n", res.AreaName, res.ArtifactPath)
	case pipeline.SuccessWithWarnings:
		fmt.Fprintf(out, "%s: %s (%d of %d tiles missing: %v)\n",
			res.AreaName, res.ArtifactPath, res.Fetch.Failed, res.Tiles, res.Fetch.FailedIndices)
	case pipeline.Cancelled:
		fmt.Fprintf(out, "%s: cancelled, work directory cleared\n", res.AreaName)
	case pipeline.NoImagery:
		fmt.Fprintf(out, "%s: no imagery available for the requested period\n", res.AreaName)
	}
}
