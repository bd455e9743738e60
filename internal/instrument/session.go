package instrument

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/calcheck/internal/bus"
	"github.com/danmuck/calcheck/internal/logging"
	"github.com/danmuck/calcheck/internal/measure"
	"github.com/danmuck/calcheck/internal/observability"
	"github.com/danmuck/calcheck/internal/sessionlog"
	"github.com/danmuck/calcheck/internal/status"
	"github.com/danmuck/calcheck/internal/transaction"
)

var (
	ErrNotReady         = errors.New("instrument: session not initialized")
	ErrNoReply          = errors.New("instrument: no reply before deadline")
	ErrMalformedReply   = errors.New("instrument: malformed reply")
	ErrStatusUnreadable = errors.New("instrument: status register unreadable")
)

// State is the session lifecycle marker.
type State int

const (
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session owns the conversation with one addressed instrument. One
// transaction is in flight at a time.
type Session struct {
	mu    sync.Mutex
	tr    bus.Transport
	h     bus.Handle
	cfg   Config
	log   sessionlog.Sink
	state State

	measurement  measure.Reading
	temperature  float64
	deviation    float64
	hasDeviation bool
}

// New binds a session to cfg.Identity.Address on tr. A nil sink discards events.
func New(tr bus.Transport, cfg Config, sink sessionlog.Sink) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h, err := tr.Connect(cfg.Identity.Address)
	if err != nil {
		return nil, fmt.Errorf("instrument %q: connect: %w", cfg.Identity.Name, err)
	}
	if sink == nil {
		sink = sessionlog.Discard{}
	}
	return &Session{tr: tr, h: h, cfg: cfg, log: sink}, nil
}

func (s *Session) Identity() Identity {
	return s.cfg.Identity
}

func (s *Session) Name() string {
	return s.cfg.Identity.Name
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastMeasurement is the most recent valid measurement; it is not reset
// when a later read fails.
func (s *Session) LastMeasurement() measure.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.measurement
}

// Temperature is the cached temperature channel.
func (s *Session) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperature
}

// Deviation is the ppm deviation of the last measurement, when defined.
func (s *Session) Deviation() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviation, s.hasDeviation
}

// Initialize writes the configured setup sequence. Individual write
// failures are logged and skipped; only ctx cancellation is returned.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cmd := range s.cfg.InitCommands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.tr.Write(ctx, s.h, cmd); err != nil {
			logging.Warnf("instrument.Session.Initialize write failed name=%q cmd=%q err=%v", s.Name(), cmd, err)
			s.log.Event("setup write failed", "instrument", s.Name(), "command", cmd, "err", err.Error())
		}
	}
	if s.cfg.SettleDelay > 0 {
		timer := time.NewTimer(s.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = Ready
	logging.Debugf("instrument.Session.Initialize ready name=%q addr=%d cmds=%d", s.Name(), s.h.Address, len(s.cfg.InitCommands))
	return nil
}

// Send writes one command that produces no reply.
func (s *Session) Send(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	return s.send(ctx, command)
}

// Clear resets the device I/O state. It is allowed in any state.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tr.Clear(ctx, s.h); err != nil {
		return fmt.Errorf("instrument %q: clear: %w", s.Name(), err)
	}
	return nil
}

// ReadScalar issues command and parses the reply as a float. Timeouts and
// malformed replies yield an invalid reading and a session log diagnostic;
// the error is reserved for transport failures and cancellation.
func (s *Session) ReadScalar(ctx context.Context, command string) (measure.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return measure.InvalidReading(), err
	}
	return s.readScalar(ctx, command)
}

// ReadStatusBitfield reads an integer status register. Any reply that is
// not a 16-bit non-negative integer is an error.
func (s *Session) ReadStatusBitfield(ctx context.Context, command string) (status.Bitfield, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	out, err := transaction.Execute[status.Bitfield](ctx, s.tr, s.request(command), transaction.Bitfield)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStatusUnreadable, err)
	}
	switch out.Kind {
	case transaction.TimedOut:
		return 0, fmt.Errorf("%w: %s %q: %w", ErrStatusUnreadable, s.Name(), command, ErrNoReply)
	case transaction.MalformedReply:
		return 0, fmt.Errorf("%w: %s %q replied %q", ErrStatusUnreadable, s.Name(), command, out.Raw)
	}
	return out.Value, nil
}

// ReadDelimitedRecord splits the reply on sep without numeric coercion.
func (s *Session) ReadDelimitedRecord(ctx context.Context, command, sep string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.readRecord(ctx, command, sep)
}

// ReadText returns the raw reply.
func (s *Session) ReadText(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return "", err
	}
	out, err := transaction.Execute[string](ctx, s.tr, s.request(command), transaction.Text)
	if err != nil {
		return "", err
	}
	if out.Kind == transaction.TimedOut {
		s.diagnose(command, out.Kind, "")
		return "", fmt.Errorf("%w: %s %q", ErrNoReply, s.Name(), command)
	}
	return out.Value, nil
}

// ReadInteger parses the reply as a decimal integer.
func (s *Session) ReadInteger(ctx context.Context, command string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.readInteger(ctx, command)
}

// GetTemperature refreshes the temperature channel. On failure the cache
// is overwritten with the configured placeholder rather than kept.
func (s *Session) GetTemperature(ctx context.Context) (measure.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return measure.InvalidReading(), err
	}
	if s.cfg.TemperatureArm != "" {
		if err := s.send(ctx, s.cfg.TemperatureArm); err != nil {
			s.temperature = s.cfg.TemperaturePlaceholder
			return measure.InvalidReading(), err
		}
	}
	r, err := s.readScalar(ctx, s.cfg.TemperatureCommand)
	if err != nil {
		s.temperature = s.cfg.TemperaturePlaceholder
		return r, err
	}
	if r.Valid {
		s.temperature = r.Value
		observability.RecordReading(s.Name(), "temperature", r.Value)
	} else {
		s.temperature = s.cfg.TemperaturePlaceholder
	}
	return r, nil
}

// GetMeasurement writes trigger and reads the value with data. An empty
// data reads the trigger's own reply. A valid reading updates the last
// measurement and, for a non-zero reference, the ppm deviation.
func (s *Session) GetMeasurement(ctx context.Context, trigger, data string) (measure.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return measure.InvalidReading(), err
	}

	query := data
	if query == "" {
		query = trigger
	} else if err := s.send(ctx, trigger); err != nil {
		return measure.InvalidReading(), err
	}
	r, err := s.readScalar(ctx, query)
	if err != nil || !r.Valid {
		return r, err
	}

	s.measurement = r
	observability.RecordReading(s.Name(), "measurement", r.Value)
	if ppm, err := measure.DeviationPPM(r.Value, s.cfg.Identity.Reference); err == nil {
		s.deviation, s.hasDeviation = ppm, true
		observability.RecordDeviation(s.Name(), ppm)
	}
	return r, nil
}

// ReadFault queries the fault register. A non-zero code is logged and
// returned; it is not an error.
func (s *Session) ReadFault(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	code, err := s.readInteger(ctx, s.cfg.FaultCommand)
	if err != nil {
		return 0, err
	}
	if code != 0 {
		logging.Warnf("instrument.Session.ReadFault name=%q code=%d", s.Name(), code)
		s.log.Event("device fault reported", "instrument", s.Name(), "code", code)
	}
	return code, nil
}

func (s *Session) ready() error {
	if s.state != Ready {
		return fmt.Errorf("%w: %s", ErrNotReady, s.Name())
	}
	return nil
}

func (s *Session) request(command string) transaction.Request {
	return transaction.Request{
		Handle:   s.h,
		Command:  command,
		Deadline: s.cfg.Deadline,
		Label:    s.Name(),
	}
}

func (s *Session) send(ctx context.Context, command string) error {
	if err := s.tr.Write(ctx, s.h, command); err != nil {
		return fmt.Errorf("%w: %s %q: %w", transaction.ErrWrite, s.Name(), command, err)
	}
	return nil
}

func (s *Session) readScalar(ctx context.Context, command string) (measure.Reading, error) {
	out, err := transaction.Execute[float64](ctx, s.tr, s.request(command), transaction.Float)
	if err != nil {
		return measure.InvalidReading(), err
	}
	if !out.OK() {
		s.diagnose(command, out.Kind, out.Raw)
		return measure.InvalidReading(), nil
	}
	return measure.ValidReading(out.Value), nil
}

func (s *Session) readRecord(ctx context.Context, command, sep string) ([]string, error) {
	out, err := transaction.Execute[[]string](ctx, s.tr, s.request(command), transaction.Fields(sep))
	if err != nil {
		return nil, err
	}
	switch out.Kind {
	case transaction.TimedOut:
		s.diagnose(command, out.Kind, "")
		return nil, fmt.Errorf("%w: %s %q", ErrNoReply, s.Name(), command)
	case transaction.MalformedReply:
		s.diagnose(command, out.Kind, out.Raw)
		return nil, fmt.Errorf("%w: %s %q replied %q", ErrMalformedReply, s.Name(), command, out.Raw)
	}
	return out.Value, nil
}

func (s *Session) readInteger(ctx context.Context, command string) (int64, error) {
	out, err := transaction.Execute[int64](ctx, s.tr, s.request(command), transaction.Integer)
	if err != nil {
		return 0, err
	}
	switch out.Kind {
	case transaction.TimedOut:
		s.diagnose(command, out.Kind, "")
		return 0, fmt.Errorf("%w: %s %q", ErrNoReply, s.Name(), command)
	case transaction.MalformedReply:
		s.diagnose(command, out.Kind, out.Raw)
		return 0, fmt.Errorf("%w: %s %q replied %q", ErrMalformedReply, s.Name(), command, out.Raw)
	}
	return out.Value, nil
}

func (s *Session) diagnose(command string, kind transaction.Kind, raw string) {
	switch kind {
	case transaction.TimedOut:
		logging.Warnf("instrument.Session timeout name=%q cmd=%q deadline=%s", s.Name(), command, s.cfg.Deadline)
		s.log.Event("timeout waiting for reply", "instrument", s.Name(), "command", command, "deadline", s.cfg.Deadline.String())
	case transaction.MalformedReply:
		logging.Warnf("instrument.Session malformed reply name=%q cmd=%q raw=%q", s.Name(), command, raw)
		s.log.Event("malformed reply", "instrument", s.Name(), "command", command, "raw", raw)
	}
}
