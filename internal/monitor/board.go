package monitor

import (
	"sync"
	"time"

	"github.com/danmuck/calcheck/internal/measure"
)

const defaultHistory = 256

// Entry is one reading as shown on the board.
type Entry struct {
	Instrument string    `json:"instrument"`
	Channel    string    `json:"channel"`
	Sample     int       `json:"sample,omitempty"`
	Value      float64   `json:"value"`
	Valid      bool      `json:"valid"`
	At         time.Time `json:"at"`
}

// Result is the summary of a finished check.
type Result struct {
	Count        int     `json:"count"`
	Invalid      int     `json:"invalid"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"stddev"`
	Reference    float64 `json:"reference"`
	DeviationPPM float64 `json:"deviation_ppm"`
	Defined      bool    `json:"deviation_defined"`
}

// Snapshot is a copy of the board state.
type Snapshot struct {
	RunID   string           `json:"run_id"`
	Phase   string           `json:"phase"`
	Latest  map[string]Entry `json:"latest"`
	History []Entry          `json:"history"`
	Result  *Result          `json:"result,omitempty"`
	Err     string           `json:"error,omitempty"`
}

// Board holds the live state of one run. A nil *Board ignores writes.
type Board struct {
	mu      sync.RWMutex
	runID   string
	phase   string
	latest  map[string]Entry
	history []Entry
	limit   int
	result  *Result
	err     string
}

func NewBoard(runID string) *Board {
	return &Board{
		runID:  runID,
		phase:  "idle",
		latest: make(map[string]Entry),
		limit:  defaultHistory,
	}
}

func (b *Board) SetPhase(phase string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = phase
}

// Record stores r as the latest value of instrument/channel and appends it
// to the bounded history.
func (b *Board) Record(instrument, channel string, sample int, r measure.Reading) {
	if b == nil {
		return
	}
	e := Entry{
		Instrument: instrument,
		Channel:    channel,
		Sample:     sample,
		Value:      r.Value,
		Valid:      r.Valid,
		At:         time.Now().UTC(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[instrument+"/"+channel] = e
	b.history = append(b.history, e)
	if over := len(b.history) - b.limit; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
}

func (b *Board) SetResult(agg measure.Aggregate, defined bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result = &Result{
		Count:        agg.Count,
		Invalid:      agg.Invalid,
		Mean:         agg.Mean,
		StdDev:       agg.StdDev,
		Reference:    agg.Reference,
		DeviationPPM: agg.DeviationPPM,
		Defined:      defined,
	}
}

func (b *Board) Fail(err error) {
	if b == nil || err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err.Error()
}

func (b *Board) Snapshot() Snapshot {
	if b == nil {
		return Snapshot{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Snapshot{
		RunID:   b.runID,
		Phase:   b.phase,
		Latest:  make(map[string]Entry, len(b.latest)),
		History: append([]Entry(nil), b.history...),
		Err:     b.err,
	}
	for k, v := range b.latest {
		s.Latest[k] = v
	}
	if b.result != nil {
		r := *b.result
		s.Result = &r
	}
	return s
}
