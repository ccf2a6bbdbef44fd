package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/checkpoint"
	"github.com/tyler180/baseball-almanac-backends/internal/clean"
)

type UnitOutcome struct {
	Unit     almanac.ScrapeUnit
	Status   checkpoint.Status
	Attempts int
	Retries  int
	Inserted int
	Present  int
	Err      error
}

// RunResult is safe for concurrent use by workers while a run is in flight.
type RunResult struct {
	mu sync.Mutex

	Planned     int
	AlreadyDone int
	Committed   int
	Skipped     int
	Failed      int
	Fetches     int
	Inserted    int

	Outcomes []UnitOutcome
	Reports  map[string]*clean.QualityReport
	Errors   []error
}

func newRunResult(planned int) *RunResult {
	return &RunResult{Planned: planned, Reports: map[string]*clean.QualityReport{}}
}

func (r *RunResult) record(o UnitOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes = append(r.Outcomes, o)
	r.Fetches += o.Attempts
	r.Inserted += o.Inserted
	switch o.Status {
	case checkpoint.Committed:
		r.Committed++
	case checkpoint.Skipped:
		r.Skipped++
	case checkpoint.Failed:
		r.Failed++
		if o.Err != nil {
			r.Errors = append(r.Errors, fmt.Errorf("%s: %w", o.Unit, o.Err))
		}
	}
}

func (r *RunResult) merge(rep *clean.QualityReport) {
	if rep == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.Reports[rep.Table]
	if !ok {
		cur = clean.NewReport(rep.Table)
		r.Reports[rep.Table] = cur
	}
	cur.Merge(rep)
}

// Outcome returns the recorded outcome of u, if it ran.
func (r *RunResult) Outcome(u almanac.ScrapeUnit) (UnitOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.Outcomes {
		if o.Unit == u {
			return o, true
		}
	}
	return UnitOutcome{}, false
}

// Tables lists report tables in name order.
func (r *RunResult) Tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Reports))
	for t := range r.Reports {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *RunResult) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("planned=%d already_done=%d committed=%d skipped=%d failed=%d fetches=%d inserted=%d",
		r.Planned, r.AlreadyDone, r.Committed, r.Skipped, r.Failed, r.Fetches, r.Inserted)
}
