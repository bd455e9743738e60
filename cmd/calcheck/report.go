package main

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/calcheck/internal/bus"
	"github.com/danmuck/calcheck/internal/procedure"
)

func writeReport(path string, rep procedure.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(rep); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode report %s: %w", path, err)
	}
	return f.Close()
}

func printPorts(out io.Writer) int {
	ports, err := bus.ListSerialPorts()
	if err != nil {
		fmt.Fprintf(out, "calcheck: list ports: %v\n", err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return 0
	}
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return 0
}
