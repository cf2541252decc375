package model

import "encoding/json"

// Frame is what the pipeline hands to the render layer after every
// successful mutation. A full frame (Full=true) carries the whole series and
// replaces whatever the consumer holds; otherwise Bars and every indicator's
// Points only contain entries with Time >= From.
type Frame struct {
	Session    string            `json:"session"`
	Symbol     string            `json:"symbol"`
	Timeframe  int               `json:"tf"`
	Generation uint64            `json:"generation"`
	Full       bool              `json:"full"`
	From       int64             `json:"from"`
	Bars       []Bar             `json:"bars"`
	Series     []IndicatorSeries `json:"series"`
	Error      string            `json:"error,omitempty"`
}

// Key returns the frame's series key.
func (f *Frame) Key() SeriesKey {
	return SeriesKey{Symbol: f.Symbol, Timeframe: f.Timeframe}
}

// JSON returns the JSON-encoded frame (ignoring errors for hot-path usage).
func (f *Frame) JSON() []byte {
	b, _ := json.Marshal(f)
	return b
}
