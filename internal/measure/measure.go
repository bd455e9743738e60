// Package measure holds scalar readings and the repeated-sample aggregator
// used to compare a measured mean against a reference value.
package measure

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrUndefinedReference = errors.New("measure: undefined reference")
	ErrInvalidSampleCount = errors.New("measure: sample count must be positive")
)

// Reading is one scalar measurement. An invalid reading carries Value 0
// unless its producer documents otherwise.
type Reading struct {
	Value float64
	Valid bool
}

func ValidReading(v float64) Reading {
	return Reading{Value: v, Valid: true}
}

func InvalidReading() Reading {
	return Reading{}
}

func (r Reading) String() string {
	if !r.Valid {
		return fmt.Sprintf("%.9E (invalid)", r.Value)
	}
	return fmt.Sprintf("%.9E", r.Value)
}

// DeviationPPM returns ((value / reference) - 1) * 1e6.
func DeviationPPM(value, reference float64) (float64, error) {
	if reference == 0 {
		return 0, ErrUndefinedReference
	}
	return (value/reference - 1) * 1e6, nil
}

// Aggregate is the result of one measurement campaign.
type Aggregate struct {
	Count   int
	Invalid int
	Sum     float64
	Mean    float64
	// StdDev is the sample standard deviation; zero for a single sample.
	StdDev       float64
	Reference    float64
	DeviationPPM float64
	Samples      []Reading
}

// Accumulate calls fn exactly n times in order and summarizes the values.
// Invalid readings are summed like valid ones and counted in Invalid.
// A zero reference still returns the populated aggregate together with
// ErrUndefinedReference.
func Accumulate(n int, reference float64, fn func() Reading) (Aggregate, error) {
	if n < 1 {
		return Aggregate{}, fmt.Errorf("%w: n=%d", ErrInvalidSampleCount, n)
	}
	agg := Aggregate{
		Count:     n,
		Reference: reference,
		Samples:   make([]Reading, 0, n),
	}
	for i := 0; i < n; i++ {
		r := fn()
		if !r.Valid {
			agg.Invalid++
		}
		agg.Sum += r.Value
		agg.Samples = append(agg.Samples, r)
	}
	agg.Mean = agg.Sum / float64(n)
	agg.StdDev = stdDev(agg.Samples, agg.Mean)

	ppm, err := DeviationPPM(agg.Mean, reference)
	if err != nil {
		return agg, err
	}
	agg.DeviationPPM = ppm
	return agg, nil
}

func stdDev(samples []Reading, mean float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var acc float64
	for _, s := range samples {
		d := s.Value - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(samples)-1))
}
