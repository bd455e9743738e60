// Package procedure runs the calibrator output check: identify and
// interrogate the unit under test, identify the reference DMM, program the
// output and average DMM samples against the nominal value.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/calcheck/internal/instrument"
	"github.com/danmuck/calcheck/internal/logging"
	"github.com/danmuck/calcheck/internal/measure"
	"github.com/danmuck/calcheck/internal/monitor"
	"github.com/danmuck/calcheck/internal/sessionlog"
	"github.com/danmuck/calcheck/internal/status"
	"github.com/danmuck/calcheck/internal/storage"
)

var ErrAborted = errors.New("procedure: aborted by operator")

// Bench is what a run drives. UUT and DMM are required; the rest may be nil.
type Bench struct {
	UUT *instrument.Session
	DMM *instrument.Session

	Log       sessionlog.Sink
	Board     *monitor.Board
	Publisher storage.Publisher
	// Confirm is asked before the DMM is used. A non-nil error aborts.
	Confirm func(ctx context.Context, prompt string) error
	RunID   string
}

const connectPrompt = "Connect DMM DCV input to calibrator HI/LO output jacks."

type runner struct {
	b      Bench
	p      Params
	rep    *Report
	output bool
}

// Run executes the check. The report is returned in every case and is
// filled as far as the run got. Identity failures abort before any
// measurement is taken.
func Run(ctx context.Context, b Bench, p Params) (Report, error) {
	rep := Report{
		RunID:   b.RunID,
		Name:    p.Name,
		Started: time.Now().UTC(),
		Check:   CheckReport{Setpoint: p.Setpoint, Nominal: p.Nominal},
	}
	if b.UUT == nil || b.DMM == nil {
		return rep, fmt.Errorf("procedure: uut and dmm sessions required")
	}
	if err := p.Validate(); err != nil {
		return rep, err
	}
	if b.Log == nil {
		b.Log = sessionlog.Discard{}
	}
	if b.Publisher == nil {
		b.Publisher = storage.Nop{}
	}
	if b.RunID == "" {
		b.RunID = storage.NewRunID()
		rep.RunID = b.RunID
	}

	r := &runner{b: b, p: p, rep: &rep}
	err := r.run(ctx)
	if err != nil && r.output {
		r.standby(ctx)
	}
	rep.Finished = time.Now().UTC()
	if err != nil {
		rep.Error = err.Error()
		b.Board.Fail(err)
		b.Board.SetPhase("aborted")
		b.Log.Fatal("testing aborted", "run", b.RunID, "err", err.Error())
		logging.Errf("procedure.Run aborted run=%s err=%v", b.RunID, err)
		return rep, err
	}
	rep.Completed = true
	b.Board.SetPhase("done")
	b.Log.Event("program completed", "run", b.RunID)
	logging.Infof("procedure.Run completed run=%s mean=%.9E ppm=%.4f", b.RunID, rep.Check.Mean, rep.Check.DeviationPPM)
	return rep, nil
}

func (r *runner) run(ctx context.Context) error {
	steps := []struct {
		phase string
		fn    func(context.Context) error
	}{
		{"uut-identify", r.identifyUUT},
		{"uut-setup", r.setupUUT},
		{"uut-info", r.readUUTInfo},
		{"confirm", r.confirm},
		{"dmm-identify", r.identifyDMM},
		{"output", r.programOutput},
		{"sampling", r.sample},
		{"teardown", r.teardown},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.b.Board.SetPhase(step.phase)
		logging.Debugf("procedure.Run phase=%s run=%s", step.phase, r.b.RunID)
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.phase, err)
		}
	}
	return nil
}

func (r *runner) identifyUUT(ctx context.Context) error {
	uut := r.b.UUT
	if err := uut.Initialize(ctx); err != nil {
		return err
	}
	if err := uut.Clear(ctx); err != nil {
		return err
	}
	id, err := uut.Identify(ctx, r.p.UUT)
	if err != nil {
		return err
	}
	r.rep.UUT.Make, r.rep.UUT.Model = id.Make, id.Model
	r.rep.UUT.Serial, r.rep.UUT.Version = id.Serial, id.Version
	logging.Infof("%s %s detected, S/N %s, Version: %s", id.Make, id.Model, id.Serial, id.Version)

	serial, err := strconv.ParseInt(id.Serial, 10, 64)
	switch {
	case err != nil:
		r.b.Log.Event("serial number not numeric, series unknown", "serial", id.Serial)
	case serial < r.p.SeriesThreshold:
		r.rep.UUT.Series = 1
	default:
		r.rep.UUT.Series = 2
	}
	if r.rep.UUT.Series > 0 {
		r.b.Log.Event(fmt.Sprintf("this is Series %s unit", roman(r.rep.UUT.Series)), "serial", id.Serial)
	}
	return nil
}

func (r *runner) setupUUT(ctx context.Context) error {
	uut := r.b.UUT
	if err := uut.Initialize(ctx); err != nil {
		return err
	}
	if err := uut.Send(ctx, "STBY"); err != nil {
		return err
	}
	if err := wait(ctx, r.p.StandbySettle); err != nil {
		return err
	}
	code, err := uut.ReadFault(ctx)
	if err := informational(err); err != nil {
		return err
	}
	r.rep.UUT.Fault = code
	if err == nil && code == 0 {
		r.b.Log.Event("calibrator reported no GPIB faults")
	}
	return nil
}

func (r *runner) readUUTInfo(ctx context.Context) error {
	uut := r.b.UUT
	unit := &r.rep.UUT
	r.b.Log.Event("reading initial calibration data", "instrument", uut.Name())

	days, err := uut.ReadInteger(ctx, "CAL_DAYS? CAL")
	if err := informational(err); err != nil {
		return err
	}
	unit.CalDays = days
	r.b.Log.Event(fmt.Sprintf("unit last calibrated: %d days ago", days))

	if unit.Series == 2 {
		conf, err := uut.ReadText(ctx, "CAL_CONF?")
		if err := informational(err); err != nil {
			return err
		}
		unit.Confidence = conf
		r.b.Log.Event("unit calibration confidence level", "value", conf)
	}

	minutes, err := uut.ReadInteger(ctx, "ETIME?")
	if err := informational(err); err != nil {
		return err
	}
	unit.RunningHours = minutes / 60
	r.b.Log.Event(fmt.Sprintf("unit running time: %d hr", unit.RunningHours))

	unit.Constants = make(map[string]string, len(r.p.Constants))
	for _, name := range r.p.Constants {
		v, err := uut.ReadText(ctx, "CAL_CONST? CHECK, "+name)
		if err := informational(err); err != nil {
			return err
		}
		unit.Constants[name] = v
		r.b.Log.Event("cal constant", "name", name, "value", v)
	}

	bits, err := uut.ReadStatusBitfield(ctx, "ISR?")
	if err != nil {
		return err
	}
	flags := status.Decode(bits)
	unit.StatusBits = uint16(flags.Bits())
	unit.Status = make([]string, 0, len(flags))
	for _, f := range flags {
		unit.Status = append(unit.Status, f.String())
		r.b.Log.Event(f.Describe())
	}
	r.publish(ctx, storage.Event{
		Kind:       storage.KindStatus,
		Instrument: uut.Name(),
		Channel:    "isr",
		Value:      float64(bits),
		Valid:      true,
		Detail:     flags.String(),
	})

	pud, err := uut.ReadText(ctx, "*PUD?")
	if err := informational(err); err != nil {
		return err
	}
	unit.PUD = pud
	r.b.Log.Event("user string PUD", "value", pud)

	fatal, err := uut.ReadText(ctx, "FATALITY?")
	if err := informational(err); err != nil {
		return err
	}
	unit.Fatality = fatal
	r.b.Log.Event("fatal errors history", "value", fatal)
	return nil
}

func (r *runner) confirm(ctx context.Context) error {
	if r.b.Confirm == nil {
		return nil
	}
	if err := r.b.Confirm(ctx, connectPrompt); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return nil
}

func (r *runner) identifyDMM(ctx context.Context) error {
	dmm := r.b.DMM
	if err := dmm.Initialize(ctx); err != nil {
		return err
	}
	id, err := dmm.Identify(ctx, r.p.DMM)
	if err != nil {
		return err
	}
	r.rep.DMM.ID = id.Make
	if _, err := r.temperature(ctx); err != nil {
		return err
	}
	if err := dmm.Clear(ctx); err != nil {
		return err
	}

	if r.p.ACAL {
		r.b.Log.Event("ACAL ALL procedure start", "wait", r.p.ACALWait.String())
		if err := dmm.Send(ctx, "ACAL ALL"); err != nil {
			return err
		}
		if err := wait(ctx, r.p.ACALWait); err != nil {
			return err
		}
		r.rep.DMM.ACAL = true
		r.b.Log.Event("ACAL procedure done")
	}

	if err := dmm.Initialize(ctx); err != nil {
		return err
	}
	t, err := r.temperature(ctx)
	if err != nil {
		return err
	}
	r.b.Log.Event(fmt.Sprintf("%s detected", id.Make), "temp", fmt.Sprintf("%.1f", t.Value), "valid", t.Valid)
	return nil
}

func (r *runner) temperature(ctx context.Context) (measure.Reading, error) {
	dmm := r.b.DMM
	t, err := dmm.GetTemperature(ctx)
	if err != nil {
		return t, err
	}
	r.rep.DMM.Temperature = dmm.Temperature()
	r.rep.DMM.TemperatureValid = t.Valid
	r.b.Board.Record(dmm.Name(), "temperature", 0, t)
	r.publish(ctx, storage.Event{
		Kind:       storage.KindReading,
		Instrument: dmm.Name(),
		Channel:    "temperature",
		Value:      t.Value,
		Valid:      t.Valid,
	})
	logging.Infof("%s TEMP = %.1f C valid=%t", dmm.Name(), dmm.Temperature(), t.Valid)
	return t, nil
}

func (r *runner) programOutput(ctx context.Context) error {
	uut := r.b.UUT
	if err := uut.Send(ctx, "OUT "+r.p.Setpoint); err != nil {
		return err
	}
	if err := uut.Send(ctx, "OPER"); err != nil {
		return err
	}
	r.output = true
	if err := uut.Send(ctx, "*WAI"); err != nil {
		return err
	}
	if err := wait(ctx, r.p.OutputSettle); err != nil {
		return err
	}

	rec, err := uut.ReadDelimitedRecord(ctx, "OUT?", ",")
	if err := informational(err); err != nil {
		return err
	}
	readback := measure.InvalidReading()
	if err == nil {
		if v, perr := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64); perr == nil {
			readback = measure.ValidReading(v)
		} else {
			r.b.Log.Event("output readback not numeric", "raw", rec[0])
		}
	}
	r.rep.Check.Readback, r.rep.Check.ReadbackValid = readback.Value, readback.Valid
	r.b.Board.Record(uut.Name(), "readback", 0, readback)
	r.publish(ctx, storage.Event{
		Kind:       storage.KindReading,
		Instrument: uut.Name(),
		Channel:    "readback",
		Value:      readback.Value,
		Valid:      readback.Valid,
	})
	r.b.Log.Event(fmt.Sprintf("%s readback output = %12.9f V", uut.Name(), readback.Value), "valid", readback.Valid)
	return nil
}

func (r *runner) sample(ctx context.Context) error {
	dmm := r.b.DMM
	var fatal error
	n := 0
	agg, aggErr := measure.Accumulate(r.p.Samples, r.p.Nominal, func() measure.Reading {
		n++
		if fatal != nil {
			return measure.InvalidReading()
		}
		reading, err := dmm.GetMeasurement(ctx, r.p.Trigger, "")
		if err != nil {
			fatal = err
			return measure.InvalidReading()
		}
		r.b.Board.Record(dmm.Name(), "measurement", n, reading)
		r.publish(ctx, storage.Event{
			Kind:       storage.KindReading,
			Instrument: dmm.Name(),
			Channel:    "measurement",
			Sample:     n,
			Value:      reading.Value,
			Valid:      reading.Valid,
		})
		logging.Infof("Test DCV %d : %s VDC", n-1, reading)
		return reading
	})
	if fatal != nil {
		return fatal
	}

	check := &r.rep.Check
	check.Samples = make([]float64, 0, len(agg.Samples))
	for _, s := range agg.Samples {
		check.Samples = append(check.Samples, s.Value)
	}
	check.Invalid = agg.Invalid
	check.Mean = agg.Mean
	check.StdDev = agg.StdDev

	ev := storage.Event{
		Kind:       storage.KindResult,
		Instrument: dmm.Name(),
		Channel:    "mean",
		Value:      agg.Mean,
		Valid:      agg.Invalid == 0,
	}
	switch {
	case errors.Is(aggErr, measure.ErrUndefinedReference):
		r.b.Log.Event("deviation undefined, reference is zero", "mean", fmt.Sprintf("%.9E", agg.Mean))
	case aggErr != nil:
		return aggErr
	default:
		check.DeviationPPM = agg.DeviationPPM
		check.DeviationDefined = true
		ppm := agg.DeviationPPM
		ev.PPM = &ppm
		r.b.Log.Event(fmt.Sprintf("%s test result: %.9E VDC [deviation %6.4f ppm]", r.p.Setpoint, agg.Mean, agg.DeviationPPM),
			"invalid", agg.Invalid, "stddev", fmt.Sprintf("%.3E", agg.StdDev))
	}
	if agg.Invalid > 0 {
		r.b.Log.Event("invalid samples were summed as zero", "invalid", agg.Invalid, "count", agg.Count)
	}
	r.b.Board.SetResult(agg, check.DeviationDefined)
	r.publish(ctx, ev)
	return nil
}

func (r *runner) teardown(ctx context.Context) error {
	if err := r.b.UUT.Send(ctx, "STBY"); err != nil {
		return err
	}
	r.output = false
	if err := r.b.UUT.Send(ctx, "LOCAL"); err != nil {
		return err
	}
	return r.b.DMM.Send(ctx, "LOCAL")
}

// standby is the best-effort safety write after an abort with the output on.
func (r *runner) standby(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.b.UUT.Send(sctx, "STBY"); err != nil {
		logging.Errf("procedure.Run standby after abort failed err=%v", err)
		return
	}
	r.b.Log.Event("calibrator returned to standby after abort")
}

func (r *runner) publish(ctx context.Context, ev storage.Event) {
	ev.RunID = r.b.RunID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := r.b.Publisher.Publish(ctx, ev); err != nil {
		logging.Warnf("procedure.Run publish failed kind=%s channel=%s err=%v", ev.Kind, ev.Channel, err)
	}
}

// informational drops errors that only mean a query went unanswered.
func informational(err error) error {
	if err == nil || errors.Is(err, instrument.ErrNoReply) || errors.Is(err, instrument.ErrMalformedReply) {
		return nil
	}
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func roman(series int) string {
	if series == 1 {
		return "I"
	}
	return "II"
}
