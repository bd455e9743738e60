package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/calcheck/internal/bus"
	"github.com/danmuck/calcheck/internal/config"
)

const simReplyDelay = 2 * time.Millisecond

func openTransport(ctx context.Context, cfg config.ProcedureConfig) (bus.Transport, error) {
	t := cfg.Transport
	var link io.ReadWriteCloser
	switch t.Kind {
	case config.TransportSim:
		return simulatedBench(cfg), nil
	case config.TransportSerial:
		port, err := bus.OpenSerial(bus.SerialConfig{Port: t.Port, Baud: t.Baud})
		if err != nil {
			return nil, err
		}
		link = port
	case config.TransportTCP:
		timeout, err := time.ParseDuration(t.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dial_timeout: %w", err)
		}
		conn, err := bus.DialTCP(ctx, t.Addr, timeout)
		if err != nil {
			return nil, err
		}
		link = conn
	default:
		return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
	}

	ctrl, err := bus.NewController(link, t.Controller())
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	return ctrl, nil
}

// simulatedBench attaches a healthy Series II 5720A and a 3458A measuring it.
func simulatedBench(cfg config.ProcedureConfig) *bus.Simulator {
	sim := bus.NewSimulator()
	cal := bus.NewCalibrator("6566012", "2.7")
	cal.ErrorPPM = 0.8
	sim.Attach(cfg.UUT.Address, cal, simReplyDelay)
	sim.Attach(cfg.DMM.Address, bus.NewMultimeter(cal.Output), simReplyDelay)
	return sim
}
