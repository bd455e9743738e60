package procedure

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/calcheck/internal/instrument"
)

// Params describes one output check of the calibrator.
type Params struct {
	Name string
	UUT  instrument.Expectation
	DMM  instrument.Expectation

	// Setpoint is the calibrator OUT argument, e.g. "10V".
	Setpoint string
	// Nominal is the reference the DMM mean is compared against.
	Nominal float64
	Samples int
	// Trigger is written to the DMM per sample; its reply is the reading.
	Trigger string

	StandbySettle time.Duration
	OutputSettle  time.Duration

	// Serial numbers below SeriesThreshold are Series I units, which lack
	// CAL_CONF?.
	SeriesThreshold int64
	Constants       []string

	ACAL     bool
	ACALWait time.Duration
}

func DefaultParams() Params {
	return Params{
		Name:            "5720a-10v-check",
		UUT:             instrument.Expectation{Make: "FLUKE", Model: "5720A"},
		DMM:             instrument.Expectation{Make: "HP3458A"},
		Setpoint:        "10V",
		Nominal:         10,
		Samples:         5,
		Trigger:         "TARM SGL,1",
		StandbySettle:   time.Second,
		OutputSettle:    2 * time.Second,
		SeriesThreshold: 6565601,
		Constants:       []string{"KV6", "KV13", "RS10K", "ZERO_TEMP", "ALL_TEMP"},
		ACALWait:        14 * time.Minute,
	}
}

func (p Params) Validate() error {
	if strings.TrimSpace(p.Setpoint) == "" {
		return fmt.Errorf("procedure: setpoint required")
	}
	if p.Samples < 1 {
		return fmt.Errorf("procedure: samples must be positive")
	}
	if strings.TrimSpace(p.Trigger) == "" {
		return fmt.Errorf("procedure: trigger required")
	}
	if p.StandbySettle < 0 || p.OutputSettle < 0 || p.ACALWait < 0 {
		return fmt.Errorf("procedure: waits must not be negative")
	}
	return nil
}
