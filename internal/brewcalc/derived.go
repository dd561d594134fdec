// Package brewcalc computes the derived brew fields (ratio, flow rate).
//
// Derived values are never persisted. Callers recompute them on every read so
// an edit to dose, yield or brew time can never leave a stale ratio behind.
package brewcalc

import (
	"math"
	"strconv"
)

// DisplayPrecision is the number of decimals used when rendering a derived value.
const DisplayPrecision = 2

// Derived holds the computed fields. A nil pointer means "undefined".
type Derived struct {
	Ratio    *float64 `json:"ratio,omitempty"`
	FlowRate *float64 `json:"flow_rate,omitempty"`
}

// Compute derives ratio and flow rate from a dose (grams), an optional yield
// (grams) and an optional brew time (seconds).
func Compute(dose float64, yield, brewTimeSeconds *float64) Derived {
	var d Derived

	y, ok := usable(yield)
	if !ok {
		return d
	}

	if finite(dose) && dose > 0 {
		d.Ratio = ptr(y / dose)
	}

	if t, ok := usable(brewTimeSeconds); ok && t > 0 {
		d.FlowRate = ptr(y / t)
	}

	return d
}

// RatioDisplay renders the ratio with DisplayPrecision decimals, or "" when undefined.
func (d Derived) RatioDisplay() string {
	return display(d.Ratio)
}

// FlowRateDisplay renders the flow rate (g/s) with DisplayPrecision decimals.
func (d Derived) FlowRateDisplay() string {
	return display(d.FlowRate)
}

// Round rounds v to DisplayPrecision decimals.
func Round(v float64) float64 {
	scale := math.Pow(10, DisplayPrecision)
	return math.Round(v*scale) / scale
}

func display(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(Round(*v), 'f', DisplayPrecision, 64)
}

func usable(v *float64) (float64, bool) {
	if v == nil || !finite(*v) {
		return 0, false
	}
	return *v, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func ptr(v float64) *float64 {
	if !finite(v) {
		return nil
	}
	return &v
}
