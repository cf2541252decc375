package model

// Tick is a single real-time trade or quote update for the currently open
// bar. Time is in unix seconds; before it is applied to a series the
// reconciler rewrites it to the timeframe-aligned bucket start.
type Tick struct {
	Symbol string  `json:"symbol"`
	Time   int64   `json:"time"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// Valid checks that the tick has a positive time, a finite price and a
// finite, non-negative volume.
func (t Tick) Valid() bool {
	return t.Time > 0 && finite(t.Price) && finite(t.Volume) && t.Volume >= 0
}
