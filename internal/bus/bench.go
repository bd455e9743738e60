package bus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Calibrator simulates the subset of a Fluke 5700-series remote interface
// the calibration procedure uses.
type Calibrator struct {
	mu sync.Mutex

	Make    string
	Model   string
	Serial  string
	Version string
	Fault   int64
	// ErrorPPM skews the delivered output from the setpoint.
	ErrorPPM  float64
	CalDays   int
	ElapsedMn int64
	Constants map[string]string
	// ReservedISR is ORed into every ISR? reply.
	ReservedISR uint16

	setpoint  float64
	unit      string
	operating bool
	remote    bool
}

// NewCalibrator returns a healthy 5720A with the given serial and firmware.
func NewCalibrator(serial, version string) *Calibrator {
	return &Calibrator{
		Make:      "FLUKE",
		Model:     "5720A",
		Serial:    serial,
		Version:   version,
		CalDays:   42,
		ElapsedMn: 3_600_000,
		Constants: map[string]string{
			"KV6":       "6.5432109E+00",
			"KV13":      "1.3086421E+01",
			"RS10K":     "1.0000012E+04",
			"ZERO_TEMP": "2.31E+01",
			"ALL_TEMP":  "2.30E+01",
		},
		unit: "V",
	}
}

// Output is the voltage present on the terminals.
func (c *Calibrator) Output() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.operating {
		return 0
	}
	return c.setpoint * (1 + c.ErrorPPM*1e-6)
}

func (c *Calibrator) Respond(command string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = true

	cmd := strings.ToUpper(strings.TrimSpace(command))
	switch {
	case cmd == "*IDN?":
		return strings.Join([]string{c.Make, c.Model, c.Serial, c.Version}, ","), true
	case cmd == "*ESR?":
		return "0", true
	case cmd == "FAULT?":
		return strconv.FormatInt(c.Fault, 10), true
	case cmd == "CAL_DAYS? CAL":
		return strconv.Itoa(c.CalDays), true
	case cmd == "CAL_CONF?":
		return "99", true
	case cmd == "ETIME?":
		return strconv.FormatInt(c.ElapsedMn, 10), true
	case strings.HasPrefix(cmd, "CAL_CONST? CHECK,"):
		name := strings.TrimSpace(strings.TrimPrefix(cmd, "CAL_CONST? CHECK,"))
		if v, ok := c.Constants[name]; ok {
			return v, true
		}
		return "0", true
	case cmd == "ISR?":
		return strconv.Itoa(int(c.isr())), true
	case cmd == "*PUD?":
		return "#213BENCH CHECKED", true
	case cmd == "FATALITY?":
		return `0,"No fatal errors"`, true
	case strings.HasPrefix(cmd, "OUT "):
		v, unit, err := parseQuantity(strings.TrimPrefix(cmd, "OUT "))
		if err == nil {
			c.setpoint, c.unit = v, unit
		}
		return "", false
	case cmd == "OUT?" || strings.HasSuffix(cmd, "; OUT?"):
		return fmt.Sprintf("%.7E,%s,0.0000000E+00,0", c.setpoint, c.unit), true
	case cmd == "OPER":
		c.operating = true
	case cmd == "STBY":
		c.operating = false
	case cmd == "LOCAL":
		c.remote = false
	}
	return "", false
}

func (c *Calibrator) isr() uint16 {
	bits := c.ReservedISR
	if c.operating {
		bits |= 0x0001 | 0x1000
	}
	if c.remote {
		bits |= 0x0800
	}
	return bits
}

// Multimeter simulates an HP 3458A measuring a source.
type Multimeter struct {
	mu sync.Mutex

	ID          string
	Temperature float64
	// Offsets are added to successive readings, cycling.
	Offsets []float64
	Source  func() float64

	n int
}

func NewMultimeter(source func() float64) *Multimeter {
	return &Multimeter{
		ID:          "HP3458A",
		Temperature: 36.4,
		Offsets:     []float64{-9e-6, 10e-6, -12e-6, 2e-6, 9e-6},
		Source:      source,
	}
}

func (m *Multimeter) Respond(command string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch strings.ToUpper(strings.TrimSpace(command)) {
	case "ID?":
		return m.ID, true
	case "TEMP?":
		return fmt.Sprintf("%.1f", m.Temperature), true
	case "TARM SGL,1":
		v := 0.0
		if m.Source != nil {
			v = m.Source()
		}
		if len(m.Offsets) > 0 {
			v += m.Offsets[m.n%len(m.Offsets)]
		}
		m.n++
		return fmt.Sprintf("%.9E", v), true
	}
	return "", false
}

// parseQuantity splits "10V" or "1.5 MV" into value and unit.
func parseQuantity(raw string) (float64, string, error) {
	raw = strings.TrimSpace(raw)
	i := len(raw)
	for i > 0 {
		ch := raw[i-1]
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || ch == ' ' {
			i--
			continue
		}
		break
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw[:i]), 64)
	if err != nil {
		return 0, "", err
	}
	return v, strings.TrimSpace(raw[i:]), nil
}
