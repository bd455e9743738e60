package config

import (
	"github.com/danmuck/calcheck/internal/bus"
	"github.com/danmuck/calcheck/internal/instrument"
	"github.com/danmuck/calcheck/internal/procedure"
)

// Session converts a validated instrument section.
func (c InstrumentConfig) Session() instrument.Config {
	deadline, _ := parseDuration("deadline", c.Deadline)
	settle, _ := parseDuration("settle", c.Settle)
	return instrument.Config{
		Identity: instrument.Identity{
			Address:   c.Address,
			Name:      c.Name,
			Reference: c.Reference,
		},
		InitCommands:           append([]string(nil), c.Init...),
		Deadline:               deadline,
		SettleDelay:            settle,
		IdentifyCommand:        c.IdentifyCommand,
		IdentifySeparator:      c.IdentifySeparator,
		TemperatureArm:         c.TemperatureArm,
		TemperatureCommand:     c.TemperatureCommand,
		TemperaturePlaceholder: c.TemperaturePlaceholder,
		FaultCommand:           c.FaultCommand,
	}
}

func (c InstrumentConfig) Expectation() instrument.Expectation {
	return instrument.Expectation{Make: c.Make, Model: c.Model}
}

func (c TransportConfig) Controller() bus.ControllerConfig {
	read, _ := parseDuration("read_timeout", c.ReadTimeout)
	return bus.ControllerConfig{ReadTimeout: read, EOS: c.EOS}.WithDefaults()
}

func (c ProcedureConfig) Params() procedure.Params {
	standby, _ := parseDuration("standby_settle", c.Check.StandbySettle)
	output, _ := parseDuration("output_settle", c.Check.OutputSettle)
	acal, _ := parseDuration("acal_wait", c.Check.ACALWait)
	return procedure.Params{
		Name:            c.Name,
		UUT:             c.UUT.Expectation(),
		DMM:             c.DMM.Expectation(),
		Setpoint:        c.Check.Setpoint,
		Nominal:         c.Check.Nominal,
		Samples:         c.Check.Samples,
		Trigger:         c.Check.Trigger,
		StandbySettle:   standby,
		OutputSettle:    output,
		SeriesThreshold: c.Check.SeriesThreshold,
		Constants:       append([]string(nil), c.Check.Constants...),
		ACAL:            c.Check.ACAL,
		ACALWait:        acal,
	}
}
