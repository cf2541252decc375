package indicator

import "chartfeed/internal/model"

// OBV calculates On-Balance Volume over the full available history. It
// starts at the first bar's volume, then adds the volume of every up-close
// bar and subtracts it for every down-close bar.
type OBV struct {
	count     int
	prevClose float64
	current   float64
}

// NewOBV creates an OBV indicator.
func NewOBV() *OBV { return &OBV{} }

func (o *OBV) Name() string     { return "OBV" }
func (o *OBV) Fields() []string { return []string{"value"} }
func (o *OBV) Ready() bool      { return o.count > 0 }

func (o *OBV) Update(bar model.Bar) ([]float64, bool) {
	switch {
	case o.count == 0:
		o.current = bar.Volume
	case bar.Close > o.prevClose:
		o.current += bar.Volume
	case bar.Close < o.prevClose:
		o.current -= bar.Volume
	}
	o.prevClose = bar.Close
	o.count++
	return []float64{o.current}, true
}

// Reset clears the OBV state for reuse.
func (o *OBV) Reset() { *o = OBV{} }

func (o *OBV) Clone() Indicator {
	c := *o
	return &c
}

// OBVSeries computes OBV over bars.
func OBVSeries(bars []model.Bar) model.IndicatorSeries {
	return Compute(NewOBV(), bars)
}

// VWAP is the volume-weighted average typical price, cumulative from the
// first bar of the series. There is no session reset, so on intraday charts
// it differs from broker terminals that restart VWAP every session. While
// cumulative volume is zero the typical price of the bar is reported.
type VWAP struct {
	count  int
	pvSum  float64
	volSum float64
}

// NewVWAP creates a cumulative VWAP indicator.
func NewVWAP() *VWAP { return &VWAP{} }

func (v *VWAP) Name() string     { return "VWAP" }
func (v *VWAP) Fields() []string { return []string{"value"} }
func (v *VWAP) Ready() bool      { return v.count > 0 }

func (v *VWAP) Update(bar model.Bar) ([]float64, bool) {
	tp := bar.TypicalPrice()
	v.pvSum += tp * bar.Volume
	v.volSum += bar.Volume
	v.count++
	if v.volSum == 0 {
		return []float64{tp}, true
	}
	return []float64{v.pvSum / v.volSum}, true
}

// Reset clears the VWAP state for reuse.
func (v *VWAP) Reset() { *v = VWAP{} }

func (v *VWAP) Clone() Indicator {
	c := *v
	return &c
}

// VWAPSeries computes cumulative VWAP over bars.
func VWAPSeries(bars []model.Bar) model.IndicatorSeries {
	return Compute(NewVWAP(), bars)
}
