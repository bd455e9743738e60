// Package transaction runs one bounded write+read exchange against an
// addressed instrument and classifies the result.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/calcheck/internal/bus"
	"github.com/danmuck/calcheck/internal/observability"
)

var (
	ErrWrite = errors.New("transaction: write failed")
	ErrRead  = errors.New("transaction: read failed")
)

// Kind classifies a completed exchange.
type Kind int

const (
	OK Kind = iota
	TimedOut
	MalformedReply
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case TimedOut:
		return "timeout"
	case MalformedReply:
		return "malformed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classified result of one exchange. Raw is empty for
// TimedOut; Value is set only for OK.
type Outcome[T any] struct {
	Kind  Kind
	Raw   string
	Value T
}

func (o Outcome[T]) OK() bool {
	return o.Kind == OK
}

// Config holds transaction defaults.
type Config struct {
	DefaultDeadline time.Duration
}

// DefaultConfig matches the bench script's 20 second read timeout.
func DefaultConfig() Config {
	return Config{DefaultDeadline: 20 * time.Second}
}

// Request is one command to issue. Label names the instrument in metrics.
type Request struct {
	Handle   bus.Handle
	Command  string
	Deadline time.Duration
	Label    string
}

// Execute writes req.Command, waits at most req.Deadline for the reply and
// decodes it. Write and non-timeout read failures are returned as errors;
// timeouts and decode failures are classified. A cancelled parent ctx is
// returned as its error rather than classified. No retries are attempted.
func Execute[T any](ctx context.Context, tr bus.Transport, req Request, decode Decoder[T]) (Outcome[T], error) {
	start := time.Now()
	label := req.Label
	if label == "" {
		label = req.Handle.String()
	}

	if err := tr.Write(ctx, req.Handle, req.Command); err != nil {
		observability.RecordTransaction(label, "write_error", time.Since(start))
		return Outcome[T]{}, fmt.Errorf("%w: %s %q: %w", ErrWrite, req.Handle, req.Command, err)
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = DefaultConfig().DefaultDeadline
	}
	readCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	raw, err := tr.Read(readCtx, req.Handle)
	if err != nil {
		if ctx.Err() != nil {
			observability.RecordTransaction(label, "cancelled", time.Since(start))
			return Outcome[T]{}, ctx.Err()
		}
		if errors.Is(err, bus.ErrCancelled) || errors.Is(readCtx.Err(), context.DeadlineExceeded) {
			observability.RecordTransaction(label, TimedOut.String(), time.Since(start))
			return Outcome[T]{Kind: TimedOut}, nil
		}
		observability.RecordTransaction(label, "read_error", time.Since(start))
		return Outcome[T]{}, fmt.Errorf("%w: %s %q: %w", ErrRead, req.Handle, req.Command, err)
	}

	raw = strings.TrimRight(raw, "\r\n")
	value, err := decode(raw)
	if err != nil {
		observability.RecordTransaction(label, MalformedReply.String(), time.Since(start))
		return Outcome[T]{Kind: MalformedReply, Raw: raw}, nil
	}
	observability.RecordTransaction(label, OK.String(), time.Since(start))
	return Outcome[T]{Kind: OK, Raw: raw, Value: value}, nil
}
