package bus

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialConfig selects a Prologix GPIB-USB adapter.
type SerialConfig struct {
	Port string
	Baud int
}

// OpenSerial opens the adapter's virtual serial port at 8N1.
func OpenSerial(cfg SerialConfig) (serial.Port, error) {
	name := strings.TrimSpace(cfg.Port)
	if name == "" {
		return nil, fmt.Errorf("bus: serial port required")
	}
	baud := cfg.Baud
	if baud <= 0 {
		baud = 115200
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: open serial %s: %w", name, err)
	}
	return port, nil
}

// ListSerialPorts reports the serial ports visible to the host.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// DialTCP connects to a Prologix GPIB-ETHERNET adapter (port 1234 by default).
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("bus: tcp address required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "1234")
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", addr, err)
	}
	return conn, nil
}
