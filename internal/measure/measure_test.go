package measure

import (
	"errors"
	"math"
	"testing"

	"github.com/danmuck/calcheck/internal/logging"
	"github.com/danmuck/calcheck/internal/testutil/testlog"
)

func constant(v float64) func() Reading {
	return func() Reading { return ValidReading(v) }
}

func sequence(values ...float64) (func() Reading, *int) {
	calls := 0
	return func() Reading {
		v := values[calls%len(values)]
		calls++
		return ValidReading(v)
	}, &calls
}

func TestAccumulateConstantReadingsHasZeroDeviation(t *testing.T) {
	testlog.Start(t)
	agg, err := Accumulate(5, 10.0, constant(10.0))
	if err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if agg.Mean != 10.0 || agg.DeviationPPM != 0.0 {
		t.Fatalf("mean=%v ppm=%v", agg.Mean, agg.DeviationPPM)
	}
	if agg.Count != 5 || len(agg.Samples) != 5 || agg.Invalid != 0 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if agg.StdDev != 0 {
		t.Fatalf("stddev=%v", agg.StdDev)
	}
}

func TestAccumulateZeroReferenceFails(t *testing.T) {
	testlog.Start(t)
	for _, fn := range []func() Reading{constant(10.0), constant(0), func() Reading { return InvalidReading() }} {
		agg, err := Accumulate(3, 0.0, fn)
		if !errors.Is(err, ErrUndefinedReference) {
			t.Fatalf("expected ErrUndefinedReference, got %v", err)
		}
		if agg.Count != 3 {
			t.Fatalf("aggregate should still be populated: %+v", agg)
		}
	}
}

func TestAccumulateCallsReadingFnExactlyN(t *testing.T) {
	testlog.Start(t)
	fn, calls := sequence(1, 2, 3)
	if _, err := Accumulate(7, 2.0, fn); err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if *calls != 7 {
		t.Fatalf("calls=%d", *calls)
	}
}

func TestAccumulateRejectsNonPositiveCount(t *testing.T) {
	testlog.Start(t)
	for _, n := range []int{0, -1} {
		if _, err := Accumulate(n, 10, constant(1)); !errors.Is(err, ErrInvalidSampleCount) {
			t.Fatalf("n=%d expected ErrInvalidSampleCount, got %v", n, err)
		}
	}
}

func TestAccumulateBenchSamples(t *testing.T) {
	testlog.Start(t)
	fn, _ := sequence(9.999991, 10.000010, 9.999988, 10.000002, 10.000009)
	agg, err := Accumulate(5, 10.0, fn)
	if err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if math.Abs(agg.Mean-10.0) > 1e-6 {
		t.Fatalf("mean=%.9f", agg.Mean)
	}
	if math.Abs(agg.DeviationPPM) > 0.6 {
		t.Fatalf("ppm=%.4f", agg.DeviationPPM)
	}
	if agg.StdDev <= 0 {
		t.Fatalf("expected spread, stddev=%v", agg.StdDev)
	}
	logging.Logf("measure/accumulate: mean=%.9E ppm=%.4f stddev=%.3E", agg.Mean, agg.DeviationPPM, agg.StdDev)
}

func TestAccumulateSumsInvalidSamplesAsZero(t *testing.T) {
	testlog.Start(t)
	calls := 0
	fn := func() Reading {
		calls++
		if calls == 2 {
			return InvalidReading()
		}
		return ValidReading(10)
	}
	agg, err := Accumulate(4, 10, fn)
	if err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if agg.Invalid != 1 {
		t.Fatalf("invalid=%d", agg.Invalid)
	}
	if agg.Mean != 7.5 {
		t.Fatalf("mean=%v", agg.Mean)
	}
	if agg.DeviationPPM != -250000 {
		t.Fatalf("ppm=%v", agg.DeviationPPM)
	}
}

func TestDeviationPPM(t *testing.T) {
	testlog.Start(t)
	got, err := DeviationPPM(10.00001, 10)
	if err != nil {
		t.Fatalf("deviation: %v", err)
	}
	if math.Abs(got-1.0) > 1e-6 {
		t.Fatalf("ppm=%v", got)
	}
	if _, err := DeviationPPM(1, 0); !errors.Is(err, ErrUndefinedReference) {
		t.Fatalf("expected ErrUndefinedReference, got %v", err)
	}
}

func TestReadingString(t *testing.T) {
	testlog.Start(t)
	if got := ValidReading(10).String(); got != "1.000000000E+01" {
		t.Fatalf("valid string=%q", got)
	}
	if got := InvalidReading().String(); got != "0.000000000E+00 (invalid)" {
		t.Fatalf("invalid string=%q", got)
	}
}
