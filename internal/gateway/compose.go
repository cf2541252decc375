package gateway

import (
	"sort"

	"chartfeed/internal/model"
)

// compose folds frame f into the full frame held for late joiners and
// returns the result. A full frame, a new generation or a new series
// replaces the state; a tail frame overwrites everything from f.From on.
// The returned frame never aliases f.
func compose(cur *model.Frame, f *model.Frame) *model.Frame {
	if cur == nil || f.Full || f.Generation != cur.Generation || f.Key() != cur.Key() {
		out := *f
		out.Full = true
		out.Error = ""
		out.Bars = append([]model.Bar(nil), f.Bars...)
		out.Series = make([]model.IndicatorSeries, len(f.Series))
		for i, s := range f.Series {
			out.Series[i] = cloneSeries(s)
		}
		return &out
	}

	cur.Session = f.Session
	cur.Bars = append(cur.Bars[:cutBars(cur.Bars, f.From)], f.Bars...)
	for _, s := range f.Series {
		i := findSeries(cur.Series, s.Name)
		if i < 0 {
			cur.Series = append(cur.Series, cloneSeries(s))
			continue
		}
		pts := cur.Series[i].Points
		cur.Series[i].Points = append(pts[:cutPoints(pts, f.From)], clonePoints(s.Points)...)
	}
	return cur
}

func cloneSeries(s model.IndicatorSeries) model.IndicatorSeries {
	out := s
	out.Fields = append([]string(nil), s.Fields...)
	out.Points = clonePoints(s.Points)
	return out
}

func clonePoints(pts []model.IndicatorPoint) []model.IndicatorPoint {
	out := make([]model.IndicatorPoint, len(pts))
	for i, p := range pts {
		out[i] = model.IndicatorPoint{Time: p.Time, Values: append([]float64(nil), p.Values...)}
	}
	return out
}

func cutBars(bars []model.Bar, from int64) int {
	return sort.Search(len(bars), func(i int) bool { return bars[i].Time >= from })
}

func cutPoints(pts []model.IndicatorPoint, from int64) int {
	return sort.Search(len(pts), func(i int) bool { return pts[i].Time >= from })
}

func findSeries(all []model.IndicatorSeries, name string) int {
	for i := range all {
		if all[i].Name == name {
			return i
		}
	}
	return -1
}
