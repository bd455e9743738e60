package bus

import (
	"context"
	"sync"
	"time"
)

// Device answers commands written to a simulated address. ok=false means
// the command produces no reply.
type Device interface {
	Respond(command string) (reply string, ok bool)
}

// DeviceFunc adapts a function to Device.
type DeviceFunc func(command string) (string, bool)

func (f DeviceFunc) Respond(command string) (string, bool) {
	return f(command)
}

type simPort struct {
	mu       sync.Mutex
	dev      Device
	delay    time.Duration
	writeErr error
	gen      uint64
	pending  chan string
	writes   []string
	clears   int
}

// Simulator is an in-memory bus. Each address is locked independently.
type Simulator struct {
	mu     sync.Mutex
	ports  map[int]*simPort
	closed bool
}

var _ Transport = (*Simulator)(nil)

func NewSimulator() *Simulator {
	return &Simulator{ports: make(map[int]*simPort)}
}

// Attach places dev at address; replies are delivered after delay.
func (s *Simulator) Attach(address int, dev Device, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[address] = &simPort{
		dev:     dev,
		delay:   delay,
		pending: make(chan string, 16),
	}
}

// SetDelay changes the reply latency at address.
func (s *Simulator) SetDelay(address int, delay time.Duration) {
	if p := s.port(address); p != nil {
		p.mu.Lock()
		p.delay = delay
		p.mu.Unlock()
	}
}

// FailWrites makes every write to address return err (nil restores).
func (s *Simulator) FailWrites(address int, err error) {
	if p := s.port(address); p != nil {
		p.mu.Lock()
		p.writeErr = err
		p.mu.Unlock()
	}
}

// Writes returns the commands written to address, oldest first.
func (s *Simulator) Writes(address int) []string {
	p := s.port(address)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// Clears returns how many device clears address received.
func (s *Simulator) Clears(address int) int {
	p := s.port(address)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clears
}

func (s *Simulator) port(address int) *simPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[address]
}

func (s *Simulator) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Simulator) Connect(address int) (Handle, error) {
	if err := validateAddress(address); err != nil {
		return Handle{}, err
	}
	if s.isClosed() {
		return Handle{}, ErrClosed
	}
	return Handle{Address: address}, nil
}

func (s *Simulator) Write(ctx context.Context, h Handle, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	p := s.port(h.Address)
	if p == nil {
		return ErrNoListener
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	p.writes = append(p.writes, text)
	p.gen++
	drain(p.pending)

	reply, ok := p.dev.Respond(text)
	if !ok {
		return nil
	}
	if p.delay <= 0 {
		p.deliver(reply)
		return nil
	}
	gen := p.gen
	time.AfterFunc(p.delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// a newer write superseded this exchange
		if p.gen == gen {
			p.deliver(reply)
		}
	})
	return nil
}

// deliver requires p.mu.
func (p *simPort) deliver(reply string) {
	select {
	case p.pending <- reply:
	default:
	}
}

func (s *Simulator) Read(ctx context.Context, h Handle) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	p := s.port(h.Address)
	if p == nil {
		return "", ErrNoListener
	}
	select {
	case reply := <-p.pending:
		return reply, nil
	case <-ctx.Done():
		return "", cancelled(ctx)
	}
}

func (s *Simulator) Clear(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.port(h.Address)
	if p == nil {
		return ErrNoListener
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.clears++
	drain(p.pending)
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func drain(ch chan string) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
