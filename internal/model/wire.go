package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Feed message types.
const (
	MsgTick = "tick"
	MsgBar  = "bar"
)

// ErrUnknownMessage is returned for feed messages whose type is neither
// "tick" nor "bar".
var ErrUnknownMessage = errors.New("unknown feed message type")

// FeedMessage is the JSON envelope real-time sources send, e.g.
//
//	{"type":"tick","symbol":"EURUSD","time":1700000040123,"price":1.0712,"volume":3}
//	{"type":"bar","symbol":"EURUSD","tf":60,"time":1700000040,"open":1.07,...}
//
// Time may be seconds or milliseconds; Decode normalizes it.
type FeedMessage struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Timeframe int     `json:"tf,omitempty"`
	Time      float64 `json:"time"`
	Price     float64 `json:"price,omitempty"`
	Volume    float64 `json:"volume"`
	Open      float64 `json:"open,omitempty"`
	High      float64 `json:"high,omitempty"`
	Low       float64 `json:"low,omitempty"`
	Close     float64 `json:"close,omitempty"`
}

// DecodeFeedMessage parses one feed message. Exactly one of the returned
// pointers is non-nil on success. Validation is left to the series store.
func DecodeFeedMessage(data []byte) (*Tick, *ClosedBar, *FeedMessage, error) {
	var m FeedMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, nil, fmt.Errorf("decode feed message: %w", err)
	}
	t := NormalizeTimeFloat(m.Time)
	switch m.Type {
	case MsgTick:
		return &Tick{Symbol: NormalizeSymbol(m.Symbol), Time: t, Price: m.Price, Volume: m.Volume}, nil, &m, nil
	case MsgBar:
		return nil, &ClosedBar{
			Symbol: NormalizeSymbol(m.Symbol),
			Bar:    Bar{Time: t, Open: m.Open, High: m.High, Low: m.Low, Close: m.Close, Volume: m.Volume},
		}, &m, nil
	default:
		return nil, nil, &m, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}

// TickMessage encodes a tick as a feed message.
func TickMessage(t Tick) []byte {
	b, _ := json.Marshal(FeedMessage{Type: MsgTick, Symbol: t.Symbol, Time: float64(t.Time), Price: t.Price, Volume: t.Volume})
	return b
}

// BarMessage encodes a closed bar of timeframe tf as a feed message.
func BarMessage(b ClosedBar, tf int) []byte {
	out, _ := json.Marshal(FeedMessage{
		Type: MsgBar, Symbol: b.Symbol, Timeframe: tf, Time: float64(b.Time),
		Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
	})
	return out
}
