// Package sessionlog is the append-only, human-readable record of one
// calibration run.
package sessionlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives one line per notable event. kv is alternating key/value pairs.
type Sink interface {
	Event(msg string, kv ...any)
	Fatal(msg string, kv ...any)
}

// Log writes events as single console-format lines without colour.
type Log struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var _ Sink = (*Log)(nil)

// Open appends to path, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open %s: %w", path, err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// New writes to w; the caller keeps ownership of w.
func New(w io.Writer) *Log {
	out := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		TimeFormat: time.DateTime,
		// events are unlevelled so the process log level never filters them
		PartsExclude: []string{zerolog.LevelFieldName},
	}
	return &Log{logger: zerolog.New(out).With().Timestamp().Logger()}
}

func (l *Log) Event(msg string, kv ...any) {
	l.write(l.logger.Log(), msg, kv)
}

// Fatal records an abort. It never exits the process.
func (l *Log) Fatal(msg string, kv ...any) {
	l.write(l.logger.Log().Bool("fatal", true), msg, kv)
}

func (l *Log) write(ev *zerolog.Event, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i+1 < len(kv); i += 2 {
		ev = ev.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	if len(kv)%2 == 1 {
		ev = ev.Interface("extra", kv[len(kv)-1])
	}
	ev.Msg(msg)
}

func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Discard drops every event.
type Discard struct{}

func (Discard) Event(string, ...any) {}
func (Discard) Fatal(string, ...any) {}
