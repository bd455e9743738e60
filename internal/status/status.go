// Package status decodes the calibrator instrument status register (ISR?)
// into named condition flags.
package status

import (
	"fmt"
	"strings"
)

// Bitfield is one status register read. Bits 14 and 15 are unused.
type Bitfield uint16

// Flag names one status register bit.
type Flag uint8

const (
	Operating Flag = iota
	ExternalGuard
	ExternalSense
	Boost
	TwoWireCompensation
	RangeLocked
	VariablePhase
	PLLLocked
	OffsetActive
	ScaleActive
	WidebandActive
	RemoteControl
	Stable
	SerialReporting
)

type flagInfo struct {
	name     string
	describe string
}

// indexed by bit position
var flagTable = [...]flagInfo{
	Operating:           {"operating", "Calibrator output OPERATING"},
	ExternalGuard:       {"external-guard", "Calibrator EXT GUARD enabled"},
	ExternalSense:       {"external-sense", "Calibrator EXT SENSE enabled"},
	Boost:               {"boost", "Calibrator BOOST (auxiliary amp) enabled"},
	TwoWireCompensation: {"two-wire-compensation", "Calibrator 2-wire RCOMP enabled"},
	RangeLocked:         {"range-locked", "Calibrator output range is LOCKED"},
	VariablePhase:       {"variable-phase", "Calibrator variable phase is active"},
	PLLLocked:           {"pll-locked", "Calibrator output PLL LOCKED to EXT SOURCE"},
	OffsetActive:        {"offset-active", "Calibrator OFFSET active"},
	ScaleActive:         {"scale-active", "Calibrator SCALE active"},
	WidebandActive:      {"wideband-active", "Calibrator WIDEBAND active"},
	RemoteControl:       {"remote-control", "Calibrator UNDER REMOTE CONTROL"},
	Stable:              {"stable", "Calibrator STABLE (settled within spec)"},
	SerialReporting:     {"serial-reporting", "Calibrator is sending a report over SERIAL"},
}

// FlagCount is the number of defined flags (bits 0 through FlagCount-1).
const FlagCount = len(flagTable)

// AllFlags lists every defined flag in bit order.
func AllFlags() []Flag {
	out := make([]Flag, FlagCount)
	for i := range out {
		out[i] = Flag(i)
	}
	return out
}

// Bit returns the register mask for f.
func (f Flag) Bit() Bitfield {
	return Bitfield(1) << f
}

func (f Flag) String() string {
	if int(f) >= FlagCount {
		return fmt.Sprintf("flag(%d)", uint8(f))
	}
	return flagTable[f].name
}

// Describe returns the operator-facing line logged when f is set.
func (f Flag) Describe() string {
	if int(f) >= FlagCount {
		return fmt.Sprintf("unknown status bit %d", uint8(f))
	}
	return flagTable[f].describe
}

// Flags is a decoded register, ordered by bit position.
type Flags []Flag

// Decode maps every set bit in the defined range to its flag.
func Decode(bits Bitfield) Flags {
	out := make(Flags, 0, FlagCount)
	for _, f := range AllFlags() {
		if bits&f.Bit() != 0 {
			out = append(out, f)
		}
	}
	return out
}

func (fs Flags) Has(f Flag) bool {
	for _, v := range fs {
		if v == f {
			return true
		}
	}
	return false
}

// Bits re-encodes the flag set.
func (fs Flags) Bits() Bitfield {
	var b Bitfield
	for _, f := range fs {
		b |= f.Bit()
	}
	return b
}

func (fs Flags) String() string {
	if len(fs) == 0 {
		return "none"
	}
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.String()
	}
	return strings.Join(names, ",")
}
