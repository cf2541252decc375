package main

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"chartfeed/internal/model"
)

func TestWriteReport_TrimsToLastRows(t *testing.T) {
	key := model.SeriesKey{Symbol: "EURUSD", Timeframe: 60}
	bars := []model.Bar{{Time: 0}, {Time: 60}, {Time: 120}}
	series := []model.IndicatorSeries{{
		Name:   "SMA_2",
		Fields: []string{"value"},
		Points: []model.IndicatorPoint{
			{Time: 60, Values: []float64{1.25}},
			{Time: 120, Values: []float64{math.NaN()}},
		},
	}}

	var buf bytes.Buffer
	writeReport(&buf, key, bars, series, 1)
	out := buf.String()

	if !strings.Contains(out, "3 bars") {
		t.Errorf("missing bar count:\n%s", out)
	}
	if strings.Contains(out, "1.2500") {
		t.Errorf("older row should be trimmed:\n%s", out)
	}
	if !strings.Contains(out, "1970-01-01 00:02") || !strings.Contains(out, "-") {
		t.Errorf("expected last row with missing value:\n%s", out)
	}
}
