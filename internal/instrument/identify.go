package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnexpectedDevice means nothing answered, or something from another
	// manufacturer answered, at the configured address.
	ErrUnexpectedDevice = errors.New("instrument: unexpected device")
	// ErrIdentityMismatch means the manufacturer matched but the model did not.
	ErrIdentityMismatch = errors.New("instrument: identity mismatch")
)

// Expectation is the make/model a procedure requires. Empty fields are not
// checked.
type Expectation struct {
	Make  string
	Model string
}

// Identification is a parsed identify reply.
type Identification struct {
	Make    string
	Model   string
	Serial  string
	Version string
	Fields  []string
}

func (id Identification) String() string {
	return strings.Join(id.Fields, ",")
}

func parseIdentification(fields []string) Identification {
	id := Identification{Fields: fields}
	at := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	id.Make, id.Model, id.Serial, id.Version = at(0), at(1), at(2), at(3)
	return id
}

// Identify queries the identify command and checks the reply against want.
// Both returned sentinel errors are fatal to a calibration run.
func (s *Session) Identify(ctx context.Context, want Expectation) (Identification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return Identification{}, err
	}

	fields, err := s.readRecord(ctx, s.cfg.IdentifyCommand, s.cfg.IdentifySeparator)
	if err != nil {
		if ctx.Err() != nil {
			return Identification{}, ctx.Err()
		}
		s.log.Fatal("no instrument detected", "instrument", s.Name(), "address", s.h.Address, "err", err.Error())
		return Identification{}, fmt.Errorf("%w: %s at %s: %w", ErrUnexpectedDevice, s.Name(), s.h, err)
	}
	id := parseIdentification(fields)

	if want.Make != "" && id.Make != strings.TrimSpace(want.Make) {
		s.log.Fatal("no matching instrument detected", "instrument", s.Name(), "want", want.Make, "got", id.String())
		return id, fmt.Errorf("%w: %s expected make %q, got %q", ErrUnexpectedDevice, s.Name(), want.Make, id.Make)
	}
	if want.Model != "" && id.Model != strings.TrimSpace(want.Model) {
		s.log.Fatal("incorrect model", "instrument", s.Name(), "want", want.Model, "got", id.Model)
		return id, fmt.Errorf("%w: %s expected model %q, got %q", ErrIdentityMismatch, s.Name(), want.Model, id.Model)
	}

	s.log.Event("instrument detected", "instrument", s.Name(), "make", id.Make, "model", id.Model, "serial", id.Serial, "version", id.Version)
	return id, nil
}
