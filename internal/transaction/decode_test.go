package transaction

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/calcheck/internal/testutil/testlog"
)

func TestFloatAcceptsFiniteNumbers(t *testing.T) {
	testlog.Start(t)
	cases := map[string]float64{
		"10":               10,
		" 1.000000123E+01": 10.00000123,
		"-3.5e-3":          -0.0035,
		"36.4 ":            36.4,
		"+0":               0,
	}
	for in, want := range cases {
		got, err := Float(in)
		if err != nil || got != want {
			t.Fatalf("Float(%q) got=%v err=%v", in, got, err)
		}
	}
}

func TestFloatRejectsNonNumbers(t *testing.T) {
	testlog.Start(t)
	for _, in := range []string{"", "OVLD", "NaN", "Inf", "-inf", "1,2", "10V", "1e999"} {
		if _, err := Float(in); !errors.Is(err, ErrDecode) {
			t.Fatalf("Float(%q) expected ErrDecode, got %v", in, err)
		}
	}
}

func TestBitfieldRange(t *testing.T) {
	testlog.Start(t)
	if v, err := Bitfield("65535"); err != nil || v != 0xFFFF {
		t.Fatalf("max got=%v err=%v", v, err)
	}
	for _, in := range []string{"-1", "65536", "0x10", "abc", ""} {
		if _, err := Bitfield(in); !errors.Is(err, ErrDecode) {
			t.Fatalf("Bitfield(%q) expected ErrDecode, got %v", in, err)
		}
	}
}

func TestIntegerAndFields(t *testing.T) {
	testlog.Start(t)
	if v, err := Integer(" 42 "); err != nil || v != 42 {
		t.Fatalf("Integer got=%v err=%v", v, err)
	}
	if _, err := Integer("4.2"); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for 4.2, got %v", err)
	}

	got, err := Fields("")("HP3458A  rev 9")
	if err != nil || strings.Join(got, "|") != "HP3458A|rev|9" {
		t.Fatalf("whitespace fields got=%q err=%v", got, err)
	}
	got, err = Fields(",")("1.0000000E+01, V ,0,0")
	if err != nil || strings.Join(got, "|") != "1.0000000E+01|V|0|0" {
		t.Fatalf("comma fields got=%q err=%v", got, err)
	}
	if _, err := Fields(",")(""); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected empty record error, got %v", err)
	}
	if _, err := Fields("")("   "); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected empty whitespace record error, got %v", err)
	}
}
