// Package bus owns the instrument bus transport contract and its
// implementations.
//
// Ownership boundary:
//   - addressed write/read/clear primitives
//   - cancellable reads (a read abandoned by its caller never leaks its late
//     reply into the next exchange)
//   - physical link lifetime (serial line, TCP socket, simulator)
//
// Reply classification and typed decoding live in package transaction.
package bus

import (
	"context"
	"errors"
	"fmt"
)

// MaxAddress is the highest GPIB primary address.
const MaxAddress = 30

var (
	ErrInvalidAddress = errors.New("bus: invalid address")
	ErrCancelled      = errors.New("bus: read cancelled")
	ErrClosed         = errors.New("bus: transport closed")
	ErrNoListener     = errors.New("bus: no listener at address")
)

// Handle identifies one addressed device on a transport.
type Handle struct {
	Address int
}

func (h Handle) String() string {
	return fmt.Sprintf("gpib%d", h.Address)
}

// Transport is the bus collaborator used by instrument sessions.
//
// Read blocks until a reply line arrives or ctx is done; on ctx expiry it
// returns an error wrapping both ErrCancelled and ctx.Err().
type Transport interface {
	Connect(address int) (Handle, error)
	Write(ctx context.Context, h Handle, text string) error
	Read(ctx context.Context, h Handle) (string, error)
	// Clear resets the device I/O state between procedure phases.
	Clear(ctx context.Context, h Handle) error
	Close() error
}

func validateAddress(address int) error {
	if address < 0 || address > MaxAddress {
		return fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	return nil
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}
