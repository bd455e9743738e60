package procedure

import (
	"time"
)

// Report is everything learned during one run. It is filled as far as the
// run got; Completed is set only after teardown.
type Report struct {
	RunID     string    `toml:"run_id" json:"run_id"`
	Name      string    `toml:"name" json:"name"`
	Started   time.Time `toml:"started" json:"started"`
	Finished  time.Time `toml:"finished" json:"finished"`
	Completed bool      `toml:"completed" json:"completed"`
	Error     string    `toml:"error,omitempty" json:"error,omitempty"`

	UUT   UnitReport  `toml:"uut" json:"uut"`
	DMM   MeterReport `toml:"dmm" json:"dmm"`
	Check CheckReport `toml:"check" json:"check"`
}

type UnitReport struct {
	Make         string            `toml:"make" json:"make"`
	Model        string            `toml:"model" json:"model"`
	Serial       string            `toml:"serial" json:"serial"`
	Version      string            `toml:"version" json:"version"`
	Series       int               `toml:"series" json:"series"`
	Fault        int64             `toml:"fault" json:"fault"`
	CalDays      int64             `toml:"cal_days" json:"cal_days"`
	Confidence   string            `toml:"confidence,omitempty" json:"confidence,omitempty"`
	RunningHours int64             `toml:"running_hours" json:"running_hours"`
	Constants    map[string]string `toml:"constants" json:"constants"`
	StatusBits   uint16            `toml:"status_bits" json:"status_bits"`
	Status       []string          `toml:"status" json:"status"`
	PUD          string            `toml:"pud" json:"pud"`
	Fatality     string            `toml:"fatality" json:"fatality"`
}

type MeterReport struct {
	ID               string  `toml:"id" json:"id"`
	Temperature      float64 `toml:"temperature" json:"temperature"`
	TemperatureValid bool    `toml:"temperature_valid" json:"temperature_valid"`
	ACAL             bool    `toml:"acal" json:"acal"`
}

type CheckReport struct {
	Setpoint         string    `toml:"setpoint" json:"setpoint"`
	Readback         float64   `toml:"readback" json:"readback"`
	ReadbackValid    bool      `toml:"readback_valid" json:"readback_valid"`
	Nominal          float64   `toml:"nominal" json:"nominal"`
	Samples          []float64 `toml:"samples" json:"samples"`
	Invalid          int       `toml:"invalid" json:"invalid"`
	Mean             float64   `toml:"mean" json:"mean"`
	StdDev           float64   `toml:"stddev" json:"stddev"`
	DeviationPPM     float64   `toml:"deviation_ppm" json:"deviation_ppm"`
	DeviationDefined bool      `toml:"deviation_defined" json:"deviation_defined"`
}
