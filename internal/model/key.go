package model

import (
	"errors"
	"strconv"
)

// ErrInvalidTimeframe is returned for non-positive timeframes.
var ErrInvalidTimeframe = errors.New("timeframe must be a positive number of seconds")

// SeriesKey identifies one candle series: a normalized symbol and a
// timeframe in seconds.
type SeriesKey struct {
	Symbol    string `json:"symbol"`
	Timeframe int    `json:"tf"`
}

// NewSeriesKey normalizes the symbol and validates the timeframe.
func NewSeriesKey(symbol string, timeframe int) (SeriesKey, error) {
	if timeframe <= 0 {
		return SeriesKey{}, ErrInvalidTimeframe
	}
	return SeriesKey{Symbol: NormalizeSymbol(symbol), Timeframe: timeframe}, nil
}

// String returns "SYMBOL:TF", e.g. "EURUSD:60".
func (k SeriesKey) String() string {
	return k.Symbol + ":" + strconv.Itoa(k.Timeframe)
}

// Bucket aligns a unix-second timestamp to the start of its bar:
// floor(t / tf) * tf. Times are positive, so truncation is floor.
func (k SeriesKey) Bucket(t int64) int64 {
	tf := int64(k.Timeframe)
	return t - t%tf
}
