package instrument

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/calcheck/internal/bus"
	"github.com/danmuck/calcheck/internal/logging"
	"github.com/danmuck/calcheck/internal/status"
	"github.com/danmuck/calcheck/internal/testutil/testlog"
	"github.com/danmuck/calcheck/internal/transaction"
)

type recordSink struct {
	mu     sync.Mutex
	events []string
	fatals []string
}

func (r *recordSink) Event(msg string, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
}

func (r *recordSink) Fatal(msg string, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatals = append(r.fatals, msg)
}

func (r *recordSink) has(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range append(append([]string(nil), r.events...), r.fatals...) {
		if e == msg {
			return true
		}
	}
	return false
}

// scripted replies from a mutable table; commands not in the table stay silent.
type scripted struct {
	mu      sync.Mutex
	replies map[string]string
}

func newScripted(kv ...string) *scripted {
	d := &scripted{replies: make(map[string]string)}
	for i := 0; i+1 < len(kv); i += 2 {
		d.replies[kv[i]] = kv[i+1]
	}
	return d
}

func (d *scripted) set(cmd, reply string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[cmd] = reply
}

func (d *scripted) silence(cmd string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.replies, cmd)
}

func (d *scripted) Respond(cmd string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.replies[cmd]
	return r, ok
}

func newSession(t *testing.T, dev bus.Device, cfg Config) (*Session, *bus.Simulator, *recordSink) {
	t.Helper()
	sim := bus.NewSimulator()
	sim.Attach(cfg.Identity.Address, dev, 0)
	sink := &recordSink{}
	if cfg.Deadline == 0 {
		cfg.Deadline = 50 * time.Millisecond
	}
	s, err := New(sim, cfg, sink)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s, sim, sink
}

func readySession(t *testing.T, dev bus.Device, cfg Config) (*Session, *bus.Simulator, *recordSink) {
	t.Helper()
	s, sim, sink := newSession(t, dev, cfg)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s, sim, sink
}

func dmmConfig(reference float64) Config {
	return Config{
		Identity:          Identity{Address: 22, Name: "3458A", Reference: reference},
		InitCommands:      []string{"PRESET NORM", "OFORMAT ASCII", "FUNC DCV,AUTO"},
		IdentifyCommand:   "ID?",
		IdentifySeparator: " ",
		TemperatureArm:    "TARM SGL,1",
	}
}

func TestOperationsRequireInitialize(t *testing.T) {
	testlog.Start(t)
	s, sim, _ := newSession(t, newScripted("X?", "1"), dmmConfig(10))
	ctx := context.Background()
	if s.State() != Uninitialized {
		t.Fatalf("state=%s", s.State())
	}
	if _, err := s.ReadScalar(ctx, "X?"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := s.Send(ctx, "NPLC 100"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady on send, got %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear should be allowed before init: %v", err)
	}

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("state=%s", s.State())
	}
	if got := strings.Join(sim.Writes(22), "|"); got != "PRESET NORM|OFORMAT ASCII|FUNC DCV,AUTO" {
		t.Fatalf("init writes=%q", got)
	}
	logging.Logf("instrument/state: %s -> %s", Uninitialized, s.State())
}

func TestInitializeSwallowsWriteFailures(t *testing.T) {
	testlog.Start(t)
	s, sim, sink := newSession(t, newScripted(), dmmConfig(10))
	sim.FailWrites(22, errors.New("ENOL"))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize should not fail on write errors: %v", err)
	}
	if s.State() != Ready || !sink.has("setup write failed") {
		t.Fatalf("state=%s events=%q", s.State(), sink.events)
	}
}

func TestInitializeHonoursCancellationDuringSettle(t *testing.T) {
	testlog.Start(t)
	cfg := dmmConfig(10)
	cfg.SettleDelay = time.Minute
	s, _, _ := newSession(t, newScripted(), cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Initialize(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if s.State() != Uninitialized {
		t.Fatalf("state=%s", s.State())
	}
}

func TestReadScalarClassification(t *testing.T) {
	testlog.Start(t)
	dev := newScripted()
	s, _, sink := readySession(t, dev, dmmConfig(10))
	ctx := context.Background()

	for _, text := range []string{"10", "9.999991", "-1.5E-03", " 1.000000012E+01", "0"} {
		dev.set("Q?", text)
		r, err := s.ReadScalar(ctx, "Q?")
		if err != nil {
			t.Fatalf("read %q: %v", text, err)
		}
		want, _ := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if !r.Valid || r.Value != want {
			t.Fatalf("text=%q reading=%+v", text, r)
		}
	}

	for _, text := range []string{"OVLD", "", "1.2.3", "NaN"} {
		dev.set("Q?", text)
		r, err := s.ReadScalar(ctx, "Q?")
		if err != nil {
			t.Fatalf("read %q: %v", text, err)
		}
		if r.Valid || r.Value != 0 {
			t.Fatalf("text=%q expected invalid zero reading, got %+v", text, r)
		}
	}
	if !sink.has("malformed reply") {
		t.Fatalf("expected malformed diagnostic, events=%q", sink.events)
	}

	dev.silence("Q?")
	start := time.Now()
	r, err := s.ReadScalar(ctx, "Q?")
	if err != nil || r.Valid {
		t.Fatalf("timeout reading=%+v err=%v", r, err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long")
	}
	if !sink.has("timeout waiting for reply") {
		t.Fatalf("expected timeout diagnostic, events=%q", sink.events)
	}
}

func TestReadScalarWriteFailureIsReturned(t *testing.T) {
	testlog.Start(t)
	s, sim, _ := readySession(t, newScripted("Q?", "1"), dmmConfig(10))
	sim.FailWrites(22, errors.New("ENOL"))
	r, err := s.ReadScalar(context.Background(), "Q?")
	if !errors.Is(err, transaction.ErrWrite) || r.Valid {
		t.Fatalf("expected ErrWrite, reading=%+v err=%v", r, err)
	}
}

func TestGetTemperaturePlaceholderOnFailure(t *testing.T) {
	testlog.Start(t)
	dev := newScripted("TEMP?", "36.4")
	s, sim, _ := readySession(t, dev, dmmConfig(10))
	ctx := context.Background()

	r, err := s.GetTemperature(ctx)
	if err != nil || !r.Valid || r.Value != 36.4 || s.Temperature() != 36.4 {
		t.Fatalf("reading=%+v cached=%v err=%v", r, s.Temperature(), err)
	}
	writes := sim.Writes(22)
	if len(writes) < 2 || writes[len(writes)-2] != "TARM SGL,1" || writes[len(writes)-1] != "TEMP?" {
		t.Fatalf("expected arm before query, writes=%q", writes)
	}

	dev.set("TEMP?", "OVLD")
	r, err = s.GetTemperature(ctx)
	if err != nil || r.Valid {
		t.Fatalf("expected invalid reading, got %+v err=%v", r, err)
	}
	if s.Temperature() != DefaultTemperaturePlaceholder {
		t.Fatalf("cached temperature=%v, want placeholder", s.Temperature())
	}

	dev.silence("TEMP?")
	if r, _ := s.GetTemperature(ctx); r.Valid || s.Temperature() != DefaultTemperaturePlaceholder {
		t.Fatalf("timeout path reading=%+v cached=%v", r, s.Temperature())
	}
	logging.Logf("instrument/temperature: failure overwrote cache with %.1f", s.Temperature())
}

func TestGetTemperatureWriteFailureUsesPlaceholder(t *testing.T) {
	testlog.Start(t)
	dev := newScripted("TEMP?", "36.4")
	s, sim, _ := readySession(t, dev, dmmConfig(10))
	ctx := context.Background()

	if _, err := s.GetTemperature(ctx); err != nil || s.Temperature() != 36.4 {
		t.Fatalf("seed temperature=%v err=%v", s.Temperature(), err)
	}

	sim.FailWrites(22, errors.New("adapter unplugged"))
	r, err := s.GetTemperature(ctx)
	if !errors.Is(err, transaction.ErrWrite) || r.Valid {
		t.Fatalf("expected write failure, reading=%+v err=%v", r, err)
	}
	if s.Temperature() != DefaultTemperaturePlaceholder {
		t.Fatalf("cached temperature=%v after arm failure, want placeholder", s.Temperature())
	}

	cfg := dmmConfig(10)
	cfg.TemperatureArm = ""
	s2, sim2, _ := readySession(t, newScripted("TEMP?", "35.0"), cfg)
	if _, err := s2.GetTemperature(ctx); err != nil || s2.Temperature() != 35.0 {
		t.Fatalf("seed temperature=%v err=%v", s2.Temperature(), err)
	}
	sim2.FailWrites(22, errors.New("adapter unplugged"))
	if _, err := s2.GetTemperature(ctx); err == nil || s2.Temperature() != DefaultTemperaturePlaceholder {
		t.Fatalf("query failure cached=%v err=%v", s2.Temperature(), err)
	}
}

func TestGetMeasurementUpdatesAndRetainsLastValue(t *testing.T) {
	testlog.Start(t)
	dev := newScripted("TARM SGL,1", "1.000001000E+01")
	s, _, _ := readySession(t, dev, dmmConfig(10))
	ctx := context.Background()

	r, err := s.GetMeasurement(ctx, "TARM SGL,1", "")
	if err != nil || !r.Valid || r.Value != 10.00001 {
		t.Fatalf("reading=%+v err=%v", r, err)
	}
	ppm, ok := s.Deviation()
	if !ok || ppm < 0.99 || ppm > 1.01 {
		t.Fatalf("deviation=%v ok=%v", ppm, ok)
	}

	dev.set("TARM SGL,1", "garbage")
	r, err = s.GetMeasurement(ctx, "TARM SGL,1", "")
	if err != nil || r.Valid {
		t.Fatalf("expected invalid reading, got %+v err=%v", r, err)
	}
	if last := s.LastMeasurement(); !last.Valid || last.Value != 10.00001 {
		t.Fatalf("stale measurement not retained: %+v", last)
	}
}

func TestGetMeasurementTriggerThenData(t *testing.T) {
	testlog.Start(t)
	dev := newScripted("DATA?", "5.0")
	cfg := dmmConfig(0)
	s, sim, _ := readySession(t, dev, cfg)

	r, err := s.GetMeasurement(context.Background(), "TRIG", "DATA?")
	if err != nil || !r.Valid || r.Value != 5 {
		t.Fatalf("reading=%+v err=%v", r, err)
	}
	if _, ok := s.Deviation(); ok {
		t.Fatalf("zero reference must skip deviation")
	}
	writes := sim.Writes(22)
	if got := strings.Join(writes[len(writes)-2:], "|"); got != "TRIG|DATA?" {
		t.Fatalf("writes=%q", got)
	}
}

func TestReadStatusBitfield(t *testing.T) {
	testlog.Start(t)
	dev := newScripted("ISR?", "6145")
	s, _, _ := readySession(t, dev, Config{Identity: Identity{Address: 4, Name: "5720A"}})
	ctx := context.Background()

	bits, err := s.ReadStatusBitfield(ctx, "ISR?")
	if err != nil {
		t.Fatalf("read isr: %v", err)
	}
	flags := status.Decode(bits)
	if !flags.Has(status.Operating) || !flags.Has(status.RemoteControl) || !flags.Has(status.Stable) || len(flags) != 3 {
		t.Fatalf("flags=%s", flags)
	}

	dev.set("ISR?", "READY")
	if _, err := s.ReadStatusBitfield(ctx, "ISR?"); !errors.Is(err, ErrStatusUnreadable) {
		t.Fatalf("expected ErrStatusUnreadable, got %v", err)
	}
	dev.silence("ISR?")
	_, err = s.ReadStatusBitfield(ctx, "ISR?")
	if !errors.Is(err, ErrStatusUnreadable) || !errors.Is(err, ErrNoReply) {
		t.Fatalf("expected unreadable/no reply, got %v", err)
	}
}

func TestReadRecordTextAndInteger(t *testing.T) {
	testlog.Start(t)
	dev := newScripted(
		"OUT?", "1.0000000E+01,V,0.0000000E+00,0",
		"*PUD?", "#213BENCH CHECKED",
		"ETIME?", "3600000",
		"CAL_DAYS? CAL", "n/a",
	)
	s, _, _ := readySession(t, dev, Config{Identity: Identity{Address: 4, Name: "5720A"}})
	ctx := context.Background()

	rec, err := s.ReadDelimitedRecord(ctx, "OUT?", ",")
	if err != nil || len(rec) != 4 || rec[0] != "1.0000000E+01" || rec[1] != "V" {
		t.Fatalf("record=%q err=%v", rec, err)
	}
	txt, err := s.ReadText(ctx, "*PUD?")
	if err != nil || txt != "#213BENCH CHECKED" {
		t.Fatalf("text=%q err=%v", txt, err)
	}
	n, err := s.ReadInteger(ctx, "ETIME?")
	if err != nil || n != 3600000 {
		t.Fatalf("integer=%d err=%v", n, err)
	}
	if _, err := s.ReadInteger(ctx, "CAL_DAYS? CAL"); !errors.Is(err, ErrMalformedReply) {
		t.Fatalf("expected ErrMalformedReply, got %v", err)
	}
	if _, err := s.ReadText(ctx, "FATALITY?"); !errors.Is(err, ErrNoReply) {
		t.Fatalf("expected ErrNoReply, got %v", err)
	}
	if _, err := s.ReadDelimitedRecord(ctx, "FATALITY?", ","); !errors.Is(err, ErrNoReply) {
		t.Fatalf("expected ErrNoReply for record, got %v", err)
	}
}

func TestReadFaultIsInformational(t *testing.T) {
	testlog.Start(t)
	dev := newScripted("FAULT?", "0")
	s, _, sink := readySession(t, dev, Config{Identity: Identity{Address: 4, Name: "5720A"}})
	ctx := context.Background()

	if code, err := s.ReadFault(ctx); err != nil || code != 0 {
		t.Fatalf("code=%d err=%v", code, err)
	}
	dev.set("FAULT?", "1302")
	code, err := s.ReadFault(ctx)
	if err != nil || code != 1302 {
		t.Fatalf("code=%d err=%v", code, err)
	}
	if !sink.has("device fault reported") {
		t.Fatalf("fault not logged: %q", sink.events)
	}
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Identity: Identity{Address: 4}}.WithDefaults()
	if cfg.Deadline != 20*time.Second || cfg.IdentifyCommand != "*IDN?" || cfg.IdentifySeparator != "," {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Identity.Name != "gpib4" || cfg.TemperaturePlaceholder != 37.5 || cfg.FaultCommand != "FAULT?" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	bad := cfg
	bad.Identity.Address = 31
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected address error")
	}
	bad = cfg
	bad.InitCommands = []string{"*CLS", " "}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected empty command error")
	}
	if _, err := New(bus.NewSimulator(), Config{Identity: Identity{Address: 40}}, nil); err == nil {
		t.Fatalf("expected constructor validation error")
	}
}
