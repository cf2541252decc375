package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"chartfeed/internal/model"
)

// writeReport prints a summary line and the last rows of each series.
func writeReport(w io.Writer, key model.SeriesKey, bars []model.Bar, series []model.IndicatorSeries, rows int) {
	first, last := bars[0], bars[len(bars)-1]
	fmt.Fprintf(w, "%s  %d bars  %s .. %s\n\n", key, len(bars),
		time.Unix(first.Time, 0).UTC().Format(time.RFC3339),
		time.Unix(last.Time, 0).UTC().Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range series {
		fmt.Fprintf(tw, "%s\t%d points\n", s.Name, len(s.Points))
		fmt.Fprintf(tw, "time\t%s\n", strings.Join(s.Fields, "\t"))
		pts := s.Points
		if rows > 0 && len(pts) > rows {
			pts = pts[len(pts)-rows:]
		}
		for _, p := range pts {
			cells := make([]string, len(p.Values))
			for i, v := range p.Values {
				cells[i] = formatValue(v)
			}
			fmt.Fprintf(tw, "%s\t%s\n", time.Unix(p.Time, 0).UTC().Format("2006-01-02 15:04"), strings.Join(cells, "\t"))
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
}

func formatValue(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}
