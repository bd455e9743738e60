package transaction

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/danmuck/calcheck/internal/status"
)

var ErrDecode = errors.New("transaction: reply does not match expected shape")

// Decoder interprets a reply line.
type Decoder[T any] func(raw string) (T, error)

// Text accepts any reply.
func Text(raw string) (string, error) {
	return raw, nil
}

// Float parses a finite floating-point reply ("1.000000012E+01", " 36.4").
func Float(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: float %q", ErrDecode, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite %q", ErrDecode, raw)
	}
	return v, nil
}

// Integer parses a signed decimal reply.
func Integer(raw string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: integer %q", ErrDecode, raw)
	}
	return v, nil
}

// Bitfield parses a non-negative 16-bit register value.
func Bitfield(raw string) (status.Bitfield, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: bitfield %q", ErrDecode, raw)
	}
	return status.Bitfield(v), nil
}

// Fields splits a reply on sep without coercion. A blank sep ("" or " ")
// splits on runs of whitespace. Surrounding spaces are trimmed from every field.
func Fields(sep string) Decoder[[]string] {
	return func(raw string) ([]string, error) {
		var parts []string
		if strings.TrimSpace(sep) == "" {
			parts = strings.Fields(raw)
		} else {
			parts = strings.Split(raw, sep)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) == 0 || (len(parts) == 1 && parts[0] == "") {
			return nil, fmt.Errorf("%w: empty record", ErrDecode)
		}
		return parts, nil
	}
}
