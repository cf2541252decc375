package indicator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownIndicator is returned for an unsupported indicator type.
var ErrUnknownIndicator = errors.New("unknown indicator type")

// Config specifies a single indicator to compute. Params are positional and
// type-specific; missing trailing params take the defaults below.
type Config struct {
	Type   string    `json:"type" mapstructure:"type"` // "SMA", "EMA", "RSI", "MACD", ...
	Params []float64 `json:"params" mapstructure:"params"`
}

// Env carries calendar-derived inputs some indicators need.
type Env struct {
	Location   *time.Location // local time zone for ORB day keys and opening time
	BarsPerDay int            // default 24h-change lookback for the timeframe
}

// defaults lists every supported type with its default params.
var defaults = map[string][]float64{
	"SMA":        {20},
	"EMA":        {20},
	"SMMA":       {14},
	"RSI":        {14},
	"MACD":       {12, 26, 9},
	"ATR":        {14},
	"BB":         {20, 2},
	"STOCH":      {14, 3},
	"WILLR":      {14},
	"CCI":        {20},
	"OBV":        {},
	"VWAP":       {},
	"CHANGE24H":  {0}, // 0 = Env.BarsPerDay
	"SUPERTREND": {10, 3},
	"ORB":        {9, 15, 15, 2},
	"PIVOTS":     {5, 5},
	"BBSIGNAL":   {20, 2, 14, 1.5, 20},
}

// ParseSpec parses "TYPE" or "TYPE:p1:p2:..." (e.g. "MACD:12:26:9").
func ParseSpec(spec string) (Config, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	cfg := Config{Type: strings.ToUpper(strings.TrimSpace(parts[0]))}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return Config{}, fmt.Errorf("indicator spec %q: bad param %q: %w", spec, p, err)
		}
		cfg.Params = append(cfg.Params, v)
	}
	if _, ok := defaults[cfg.Type]; !ok {
		return Config{}, fmt.Errorf("indicator spec %q: %w", spec, ErrUnknownIndicator)
	}
	return cfg, nil
}

// ParseSpecs parses a list of specs, skipping blanks.
func ParseSpecs(specs []string) ([]Config, error) {
	out := make([]Config, 0, len(specs))
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		cfg, err := ParseSpec(s)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// params returns the config's params padded with defaults.
func (c Config) params() []float64 {
	def := defaults[c.Type]
	out := make([]float64, len(def))
	copy(out, def)
	copy(out, c.Params)
	return out
}

// Validate checks type, param count and param ranges.
func (c Config) Validate() error {
	def, ok := defaults[c.Type]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownIndicator, c.Type)
	}
	if len(c.Params) > len(def) {
		return fmt.Errorf("%s takes at most %d params, got %d", c.Type, len(def), len(c.Params))
	}
	p := c.params()
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s param %d is not finite", c.Type, i)
		}
	}
	positiveInts := func(idx ...int) error {
		for _, i := range idx {
			if p[i] < 1 || p[i] != math.Trunc(p[i]) {
				return fmt.Errorf("invalid param %d=%v for %s: must be a positive integer", i, p[i], c.Type)
			}
		}
		return nil
	}
	switch c.Type {
	case "SMA", "EMA", "SMMA", "RSI", "ATR", "WILLR", "CCI":
		return positiveInts(0)
	case "MACD":
		if err := positiveInts(0, 1, 2); err != nil {
			return err
		}
		if p[0] >= p[1] {
			return fmt.Errorf("invalid MACD: fast=%v must be below slow=%v", p[0], p[1])
		}
	case "BB", "SUPERTREND":
		if err := positiveInts(0); err != nil {
			return err
		}
		if p[1] <= 0 {
			return fmt.Errorf("invalid %s multiplier %v: must be positive", c.Type, p[1])
		}
	case "STOCH", "PIVOTS":
		return positiveInts(0, 1)
	case "CHANGE24H":
		if p[0] < 0 || p[0] != math.Trunc(p[0]) {
			return fmt.Errorf("invalid CHANGE24H lookback %v", p[0])
		}
	case "ORB":
		if p[0] < 0 || p[0] > 23 || p[1] < 0 || p[1] > 59 {
			return fmt.Errorf("invalid ORB opening time %v:%v", p[0], p[1])
		}
		if err := positiveInts(2); err != nil {
			return err
		}
		if p[3] <= 0 {
			return fmt.Errorf("invalid ORB reward multiple %v: must be positive", p[3])
		}
	case "BBSIGNAL":
		if err := positiveInts(0, 2, 4); err != nil {
			return err
		}
		if p[1] <= 0 || p[3] <= 0 {
			return fmt.Errorf("invalid BBSIGNAL multipliers %v, %v: must be positive", p[1], p[3])
		}
	}
	return nil
}

// ValidateConfigs checks a set of configs for errors and duplicates.
func ValidateConfigs(configs []Config) error {
	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		key := cfg.Key()
		if seen[key] {
			return fmt.Errorf("duplicate indicator %s", key)
		}
		seen[key] = true
	}
	return nil
}

// Key identifies a config by type and effective params, e.g. "RSI_14".
func (c Config) Key() string {
	p := c.params()
	args := make([]interface{}, len(p))
	for i, v := range p {
		args[i] = v
	}
	return seriesName(c.Type, args...)
}

// New builds the indicator described by cfg.
func New(cfg Config, env Env) (Indicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := cfg.params()
	n := func(i int) int { return int(p[i]) }
	switch cfg.Type {
	case "SMA":
		return NewSMA(n(0)), nil
	case "EMA":
		return NewEMA(n(0)), nil
	case "SMMA":
		return NewSMMA(n(0)), nil
	case "RSI":
		return NewRSI(n(0)), nil
	case "MACD":
		return NewMACD(n(0), n(1), n(2)), nil
	case "ATR":
		return NewATR(n(0)), nil
	case "BB":
		return NewBollinger(n(0), p[1]), nil
	case "STOCH":
		return NewStochastic(n(0), n(1)), nil
	case "WILLR":
		return NewWilliamsR(n(0)), nil
	case "CCI":
		return NewCCI(n(0)), nil
	case "OBV":
		return NewOBV(), nil
	case "VWAP":
		return NewVWAP(), nil
	case "CHANGE24H":
		lookback := n(0)
		if lookback == 0 {
			lookback = env.BarsPerDay
		}
		if lookback <= 0 {
			return nil, fmt.Errorf("CHANGE24H: no lookback given and bars per day unknown")
		}
		return NewChange24h(lookback), nil
	case "SUPERTREND":
		return NewSuperTrend(n(0), p[1]), nil
	case "ORB":
		return NewORB(n(0), n(1), n(2), p[3], env.Location), nil
	case "PIVOTS":
		return NewPivots(n(0), n(1)), nil
	case "BBSIGNAL":
		return NewSignalProjector(n(0), p[1], n(2), p[3], n(4)), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownIndicator, cfg.Type)
}

// seriesName joins a prefix and params with underscores: "BB_20_2".
func seriesName(prefix string, params ...interface{}) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range params {
		b.WriteByte('_')
		switch v := p.(type) {
		case int:
			b.WriteString(strconv.Itoa(v))
		case float64:
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	return b.String()
}
