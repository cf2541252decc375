package model

import "strings"

// MillisecondThreshold is 2000-01-01T00:00:00Z expressed in milliseconds.
// Upstream sources send bar and tick times either in seconds or in
// milliseconds without saying which. Any value below the threshold is read
// as seconds and anything at or above it as milliseconds; a seconds value
// would only reach it in the year 31969, and a milliseconds value is below
// it only before 2000.
const MillisecondThreshold int64 = 946684800000

// NormalizeTime converts an epoch timestamp of unknown unit to unix seconds.
func NormalizeTime(raw int64) int64 {
	if raw < MillisecondThreshold {
		return raw
	}
	return raw / 1000
}

// NormalizeTimeFloat is NormalizeTime for JSON numbers decoded as float64.
func NormalizeTimeFloat(raw float64) int64 {
	return NormalizeTime(int64(raw))
}

// NormalizeSymbol maps the spellings a symbol arrives in (broker suffix
// case, separators, surrounding space) to one canonical key:
//
//	"ETHUSDm", "ETHUSDM", " eth/usdm " -> "ETHUSDM"
//	"EUR-USD", "eur_usd"               -> "EURUSD"
func NormalizeSymbol(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '/', '-', '_', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
