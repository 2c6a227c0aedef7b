// Package tiles provides a dry run that prints the tile layout for an area.
package tiles

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/app"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/conf"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/tiler"
)

// Command creates the tiles command.
func Command(loader *app.Loader) *cobra.Command {
	var (
		name   string
		coords []float64
	)

	cmd := &cobra.Command{
		Use:   "tiles",
		Short: "Print the tile layout for an area without fetching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			area, err := app.ParseArea(name, coords)
			if err != nil {
				return err
			}
			settings, err := conf.Load(loader.ConfigFile)
			if err != nil {
				return err
			}

			bounds, crs, err := area.Project()
			if err != nil {
				return err
			}
			layout, err := tiler.Plan(bounds, crs, settings.Pipeline.Resolution, settings.Pipeline.MaxTilePx)
			if err != nil {
				return err
			}
			return printLayout(cmd, area.Name, layout)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Name of the search area")
	cmd.Flags().Float64SliceVarP(&coords, "coordinates", "c", nil, "Bounding box in degrees: xmin,ymin,xmax,ymax")
	_ = cmd.MarkFlagRequired("coordinates")

	return cmd
}

func printLayout(cmd *cobra.Command, name string, l tiler.Layout) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s, %gm, %dx%d px, %d tiles (%d columns x %d rows)\n",
		name, l.CRS, l.Resolution, l.Width, l.Height, len(l.Tiles), l.Columns, l.Rows)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tROW\tCOL\tWIDTH\tHEIGHT\tMINX\tMINY\tMAXX\tMAXY")
	for _, t := range l.Tiles {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%.1f\t%.1f\t%.1f\t%.1f\n",
			t.Index, t.Row, t.Col, t.PixelWidth, t.PixelHeight,
			t.Bounds.Min[0], t.Bounds.Min[1], t.Bounds.Max[0], t.Bounds.Max[1])
	}
	return w.Flush()
}
