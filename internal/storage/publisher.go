// Package storage publishes calibration events to external sinks. Nothing
// published here is ever read back by calcheck.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	KindReading = "reading"
	KindResult  = "result"
	KindStatus  = "status"
)

// Event is one published record.
type Event struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Instrument string    `json:"instrument"`
	Channel    string    `json:"channel"`
	Sample     int       `json:"sample,omitempty"`
	Value      float64   `json:"value"`
	Valid      bool      `json:"valid"`
	PPM        *float64  `json:"ppm,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Time       time.Time `json:"time"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Encode renders ev as the JSON payload used by message sinks.
func Encode(ev Event) ([]byte, error) {
	if ev.RunID == "" {
		return nil, fmt.Errorf("storage: event missing run id")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return json.Marshal(ev)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Fanout publishes to every sink in order. All sinks are attempted; errors
// are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
