// Package battery maps battery voltages to charge percentage and status
// using chemistry specific threshold tables.
package battery

import (
	"fmt"
	"math"
	"time"
)

// Supported battery chemistries.
const (
	ChemistryLeadAcid = "lead-acid"
	ChemistryLiFePO4  = "lifepo4"
)

// Status is the coarse battery condition derived from voltage.
type Status int

const (
	StatusDead Status = iota
	StatusCritical
	StatusLow
	StatusGood
	StatusFull
)

func (s Status) String() string {
	switch s {
	case StatusFull:
		return "FULL"
	case StatusGood:
		return "GOOD"
	case StatusLow:
		return "LOW"
	case StatusCritical:
		return "CRITICAL"
	case StatusDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Thresholds holds the voltage breakpoints for one chemistry.
type Thresholds struct {
	Full     float32 // 100%, fully charged
	Nominal  float32 // ~75%, good condition
	Low      float32 // ~25%, should recharge soon
	Critical float32 // ~10%, recharge immediately
	Minimum  float32 // 0%, minimum safe voltage
}

// ChemistryProfiles are the built-in threshold tables, keyed by chemistry
// name. Lead-acid values are for a 12V battery, LiFePO4 for a 4S pack.
var ChemistryProfiles = map[string]Thresholds{
	ChemistryLeadAcid: {
		Full:     12.7,
		Nominal:  12.4,
		Low:      12.0,
		Critical: 11.8,
		Minimum:  10.5,
	},
	ChemistryLiFePO4: {
		Full:     14.6,
		Nominal:  13.2,
		Low:      12.8,
		Critical: 12.0,
		Minimum:  10.0,
	},
}

// ProfileFor returns the threshold table for the given chemistry name.
func ProfileFor(chemistry string) (Thresholds, error) {
	t, ok := ChemistryProfiles[chemistry]
	if !ok {
		return Thresholds{}, fmt.Errorf("unknown battery chemistry: %s", chemistry)
	}
	return t, nil
}

// Validate checks the breakpoint ordering MINIMUM < CRITICAL < LOW <
// NOMINAL < FULL.
func (t Thresholds) Validate() error {
	if !(t.Minimum < t.Critical && t.Critical < t.Low && t.Low < t.Nominal && t.Nominal < t.Full) {
		return fmt.Errorf("thresholds out of order: min=%.2f critical=%.2f low=%.2f nominal=%.2f full=%.2f",
			t.Minimum, t.Critical, t.Low, t.Nominal, t.Full)
	}
	return nil
}

// Reading is a single classified voltage sample.
type Reading struct {
	Voltage float32   `json:"voltage"`
	Percent float32   `json:"percentage"`
	Status  Status    `json:"-"`
	Time    time.Time `json:"-"`
}

// Classify converts a voltage into a charge percentage and status.
// Percentage is a linear interpolation between Minimum and Full, clamped to
// [0, 100]. Status is a highest-match-wins ladder with >= comparisons so a
// voltage exactly on a breakpoint lands in the higher bucket. NaN readings
// classify as DEAD at 0%.
func Classify(voltage float32, t Thresholds) Reading {
	r := Reading{Voltage: voltage, Time: time.Now()}
	if math.IsNaN(float64(voltage)) {
		r.Status = StatusDead
		return r
	}

	switch {
	case voltage >= t.Full:
		r.Percent = 100
	case voltage <= t.Minimum:
		r.Percent = 0
	default:
		r.Percent = (voltage - t.Minimum) / (t.Full - t.Minimum) * 100
		if r.Percent > 100 {
			r.Percent = 100
		}
		if r.Percent < 0 {
			r.Percent = 0
		}
	}

	switch {
	case voltage >= t.Full:
		r.Status = StatusFull
	case voltage >= t.Nominal:
		r.Status = StatusGood
	case voltage >= t.Low:
		r.Status = StatusLow
	case voltage >= t.Critical:
		r.Status = StatusCritical
	default:
		r.Status = StatusDead
	}
	return r
}

// Bar renders the 10 segment charge indicator used in log output.
func Bar(percent float32) string {
	bars := int(percent / 10)
	out := make([]byte, 0, 12)
	out = append(out, '[')
	for i := 0; i < 10; i++ {
		if i < bars {
			out = append(out, '#')
		} else {
			out = append(out, '.')
		}
	}
	return string(append(out, ']'))
}
