package model

import (
	"bytes"
	"math"
	"strconv"
)

// IndicatorPoint is one record of an indicator series. Values line up with
// the owning series' Fields; a NaN value means the field has no value at
// this time (for example a take-profit level before any signal).
type IndicatorPoint struct {
	Time   int64
	Values []float64
}

// MarshalJSON writes {"time":T,"values":[...]} with NaN encoded as null.
func (p IndicatorPoint) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"time":`)
	buf.WriteString(strconv.FormatInt(p.Time, 10))
	buf.WriteString(`,"values":[`)
	for i, v := range p.Values {
		if i > 0 {
			buf.WriteByte(',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			buf.WriteString("null")
			continue
		}
		buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// IndicatorSeries is a named derived series. Point times are a subsequence
// of the owning candle series' bar times; consumers align by time, never by
// index, and treat a missing time as unknown.
type IndicatorSeries struct {
	Name   string           `json:"name"`   // e.g. "RSI_14", "MACD_12_26_9"
	Fields []string         `json:"fields"` // e.g. ["macd","signal","histogram","level"]
	Points []IndicatorPoint `json:"points"`
}

// Len returns the number of points.
func (s IndicatorSeries) Len() int { return len(s.Points) }

// At returns the point at the given bar time using binary search.
func (s IndicatorSeries) At(time int64) (IndicatorPoint, bool) {
	lo, hi := 0, len(s.Points)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if s.Points[mid].Time < time {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(s.Points) && s.Points[lo].Time == time {
		return s.Points[lo], true
	}
	return IndicatorPoint{}, false
}

// Field returns the index of the named field, or -1.
func (s IndicatorSeries) Field(name string) int {
	for i, f := range s.Fields {
		if f == name {
			return i
		}
	}
	return -1
}

// Since returns the points with Time >= from.
func (s IndicatorSeries) Since(from int64) []IndicatorPoint {
	for i := len(s.Points) - 1; i >= 0; i-- {
		if s.Points[i].Time < from {
			return s.Points[i+1:]
		}
	}
	return s.Points
}
