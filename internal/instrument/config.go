package instrument

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/calcheck/internal/bus"
	"github.com/danmuck/calcheck/internal/transaction"
)

// Identity is fixed at session construction.
type Identity struct {
	Address   int
	Name      string
	Reference float64
}

// Config parametrizes one session. Calibrator and multimeter differ only
// in these values.
type Config struct {
	Identity     Identity
	InitCommands []string
	// Deadline bounds every reply wait.
	Deadline time.Duration
	// SettleDelay is waited after the init commands.
	SettleDelay time.Duration

	IdentifyCommand string
	// IdentifySeparator splits the identify reply; blank means whitespace.
	IdentifySeparator string

	// TemperatureArm is written before TemperatureCommand when set.
	TemperatureArm         string
	TemperatureCommand     string
	TemperaturePlaceholder float64

	FaultCommand string
}

// DefaultTemperaturePlaceholder is what the temperature cache holds after
// a failed read.
const DefaultTemperaturePlaceholder = 37.5

// Session defaults for a SCPI-style instrument.
func DefaultConfig() Config {
	return Config{
		Deadline:               transaction.DefaultConfig().DefaultDeadline,
		IdentifyCommand:        "*IDN?",
		IdentifySeparator:      ",",
		TemperatureCommand:     "TEMP?",
		TemperaturePlaceholder: DefaultTemperaturePlaceholder,
		FaultCommand:           "FAULT?",
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Deadline <= 0 {
		c.Deadline = def.Deadline
	}
	if strings.TrimSpace(c.IdentifyCommand) == "" {
		c.IdentifyCommand = def.IdentifyCommand
	}
	if c.IdentifySeparator == "" {
		c.IdentifySeparator = def.IdentifySeparator
	}
	if strings.TrimSpace(c.TemperatureCommand) == "" {
		c.TemperatureCommand = def.TemperatureCommand
	}
	if c.TemperaturePlaceholder == 0 {
		c.TemperaturePlaceholder = def.TemperaturePlaceholder
	}
	if strings.TrimSpace(c.FaultCommand) == "" {
		c.FaultCommand = def.FaultCommand
	}
	if strings.TrimSpace(c.Identity.Name) == "" {
		c.Identity.Name = fmt.Sprintf("gpib%d", c.Identity.Address)
	}
	return c
}

func (c Config) Validate() error {
	if c.Identity.Address < 0 || c.Identity.Address > bus.MaxAddress {
		return fmt.Errorf("instrument %q: address %d out of range 0-%d", c.Identity.Name, c.Identity.Address, bus.MaxAddress)
	}
	if c.Deadline <= 0 {
		return fmt.Errorf("instrument %q: deadline must be positive", c.Identity.Name)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("instrument %q: settle delay must not be negative", c.Identity.Name)
	}
	for i, cmd := range c.InitCommands {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("instrument %q: init command[%d] is empty", c.Identity.Name, i)
		}
	}
	return nil
}
