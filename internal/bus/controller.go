package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/calcheck/internal/logging"
)

// ControllerConfig configures a Prologix-style GPIB controller.
type ControllerConfig struct {
	// ReadTimeout is the controller-side inter-character timeout (++read_tmo_ms).
	ReadTimeout time.Duration
	// EOS selects the terminator the controller appends to device writes
	// (0 CR+LF, 1 CR, 2 LF, 3 none).
	EOS int
	// Backlog bounds buffered reply lines not yet consumed.
	Backlog int
}

// DefaultControllerConfig returns defaults that suit HP/Fluke bench instruments.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		ReadTimeout: 3 * time.Second,
		EOS:         2,
		Backlog:     16,
	}
}

// WithDefaults fills unset fields from DefaultControllerConfig.
func (c ControllerConfig) WithDefaults() ControllerConfig {
	def := DefaultControllerConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.EOS < 0 || c.EOS > 3 {
		c.EOS = def.EOS
	}
	if c.Backlog <= 0 {
		c.Backlog = def.Backlog
	}
	return c
}

// abandonGrace covers link latency on top of the adapter read timeout.
const abandonGrace = 250 * time.Millisecond

// resetter is implemented by serial ports that can discard pending input.
type resetter interface {
	ResetInputBuffer() error
}

// Controller drives every address on one Prologix GPIB adapter. One adapter
// multiplexes all devices through ++addr, so every call is serialized.
type Controller struct {
	mu       sync.Mutex
	link     io.ReadWriteCloser
	cfg      ControllerConfig
	selected int
	// abandoned holds the issue time of each read whose caller gave up
	// before its reply arrived.
	abandoned []time.Time

	lines     chan string
	pumpErr   chan error
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*Controller)(nil)

// NewController takes ownership of link, starts its reply pump and puts the
// adapter into controller mode with manual read-after-write.
func NewController(link io.ReadWriteCloser, cfg ControllerConfig) (*Controller, error) {
	cfg = cfg.WithDefaults()
	c := &Controller{
		link:     link,
		cfg:      cfg,
		selected: -1,
		lines:    make(chan string, cfg.Backlog),
		pumpErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
	go c.pump()

	setup := []string{
		"++mode 1",
		"++auto 0",
		"++eoi 1",
		fmt.Sprintf("++eos %d", cfg.EOS),
		fmt.Sprintf("++read_tmo_ms %d", cfg.ReadTimeout.Milliseconds()),
	}
	for _, cmd := range setup {
		if err := c.writeLine(cmd); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("bus: controller setup %q: %w", cmd, err)
		}
	}
	logging.Debugf("bus.Controller setup complete eos=%d read_tmo=%s", cfg.EOS, cfg.ReadTimeout)
	return c, nil
}

// pump forwards reply lines for the lifetime of the link.
func (c *Controller) pump() {
	r := bufio.NewReader(c.link)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			select {
			case c.lines <- line:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.pumpErr <- err
			return
		}
	}
}

func (c *Controller) Connect(address int) (Handle, error) {
	if err := validateAddress(address); err != nil {
		return Handle{}, err
	}
	select {
	case <-c.done:
		return Handle{}, ErrClosed
	default:
	}
	return Handle{Address: address}, nil
}

func (c *Controller) Write(ctx context.Context, h Handle, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.settleAbandoned(ctx)
	if n > 0 {
		logging.Debugf("bus.Controller.Write discarded stale replies addr=%d count=%d", h.Address, n)
	}
	if err != nil {
		return err
	}
	if err := c.selectAddress(h.Address); err != nil {
		return err
	}
	return c.writeLine(escapeData(text))
}

func (c *Controller) Read(ctx context.Context, h Handle) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectAddress(h.Address); err != nil {
		return "", err
	}
	if err := c.writeLine("++read eoi"); err != nil {
		return "", err
	}
	issued := time.Now()
	select {
	case line := <-c.lines:
		return line, nil
	case err := <-c.pumpErr:
		c.pumpErr <- err
		return "", fmt.Errorf("bus: link read failed: %w", err)
	case <-c.done:
		return "", ErrClosed
	case <-ctx.Done():
		c.abandoned = append(c.abandoned, issued)
		return "", cancelled(ctx)
	}
}

// Clear sends a selected device clear and discards buffered input.
func (c *Controller) Clear(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectAddress(h.Address); err != nil {
		return err
	}
	if err := c.writeLine("++clr"); err != nil {
		return err
	}
	if r, ok := c.link.(resetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			logging.Warnf("bus.Controller.Clear input reset failed addr=%d err=%v", h.Address, err)
		}
	}
	c.drainStale()
	return nil
}

func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.link.Close()
	})
	return c.closeErr
}

func (c *Controller) selectAddress(address int) error {
	if err := validateAddress(address); err != nil {
		return err
	}
	if c.selected == address {
		return nil
	}
	if err := c.writeLine(fmt.Sprintf("++addr %d", address)); err != nil {
		return err
	}
	c.selected = address
	return nil
}

func (c *Controller) writeLine(line string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	logging.Tracef("bus.Controller.writeLine line=%q", line)
	if _, err := io.WriteString(c.link, line+"\n"); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return fmt.Errorf("bus: link write failed: %w", err)
	}
	return nil
}

// settleAbandoned consumes the late reply of every abandoned read before the
// next exchange starts. The adapter stops reading once its own read timeout
// passes, so a reply not seen by then is never coming.
func (c *Controller) settleAbandoned(ctx context.Context) (int, error) {
	n := 0
	for len(c.abandoned) > 0 {
		select {
		case <-c.lines:
			n++
			c.abandoned = c.abandoned[1:]
			continue
		default:
		}
		wait := time.Until(c.abandoned[0].Add(c.cfg.ReadTimeout + abandonGrace))
		if wait <= 0 {
			c.abandoned = c.abandoned[1:]
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-c.lines:
			n++
			c.abandoned = c.abandoned[1:]
		case <-timer.C:
			c.abandoned = c.abandoned[1:]
		case <-c.done:
			timer.Stop()
			return n, ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return n, ctx.Err()
		}
		timer.Stop()
	}
	return n + c.drainStale(), nil
}

func (c *Controller) drainStale() int {
	n := 0
	for {
		select {
		case <-c.lines:
			n++
		default:
			return n
		}
	}
}

// escapeData prefixes bytes the adapter would interpret (CR, LF, ESC, '+')
// with ESC so they reach the device verbatim.
func escapeData(text string) string {
	if !strings.ContainsAny(text, "\r\n\x1b+") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 4)
	for i := 0; i < len(text); i++ {
		switch ch := text[i]; ch {
		case '\r', '\n', 0x1b, '+':
			b.WriteByte(0x1b)
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
