// Package checkpoint records per-unit pipeline progress durably so an
// interrupted run resumes without repeating committed work.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
)

type Status string

const (
	Pending    Status = "pending"
	Fetching   Status = "fetching"
	Fetched    Status = "fetched"
	Extracting Status = "extracting"
	Extracted  Status = "extracted"
	Cleaning   Status = "cleaning"
	Committed  Status = "committed"
	Failed     Status = "failed"
	Skipped    Status = "skipped"
)

var (
	ErrNotFound = errors.New("checkpoint not found")
)

// rank orders the main chain. Failed sits below pending so a new attempt can
// start from it; skipped sits above everything.
var ranks = map[Status]int{
	Failed:     -1,
	Pending:    0,
	Fetching:   1,
	Fetched:    2,
	Extracting: 3,
	Extracted:  4,
	Cleaning:   5,
	Committed:  6,
	Skipped:    100,
}

func (s Status) Rank() int { return ranks[s] }

func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok
}

// Terminal statuses only change through Reset.
func (s Status) Terminal() bool { return s == Committed || s == Skipped }

func AllStatuses() []Status {
	return []Status{Pending, Fetching, Fetched, Extracting, Extracted, Cleaning, Committed, Failed, Skipped}
}

type Checkpoint struct {
	Unit      almanac.ScrapeUnit
	Status    Status
	Attempts  int
	Retries   int
	LastError string
	UpdatedAt time.Time
}

// Progress carries counter increments and the failure cause recorded with a transition.
type Progress struct {
	Attempts int
	Retries  int
	Err      error
}

func (p Progress) errText() string {
	if p.Err == nil {
		return ""
	}
	return p.Err.Error()
}

type Store interface {
	Get(ctx context.Context, u almanac.ScrapeUnit) (Checkpoint, error)
	// Mark applies a transition durably before returning. A non-advancing
	// move returns the current record; on an open unit its counters are still
	// added. A committed or skipped unit is never moved, so a caller sees
	// Closed(returned, to) instead of an error.
	Mark(ctx context.Context, u almanac.ScrapeUnit, to Status, p Progress) (Checkpoint, error)
	// Pending returns the units of matrix that are neither committed nor skipped, in order.
	Pending(ctx context.Context, matrix []almanac.ScrapeUnit) ([]almanac.ScrapeUnit, error)
	// Reset is the operator re-scrape request: the unit returns to pending.
	Reset(ctx context.Context, u almanac.ScrapeUnit) error
	List(ctx context.Context) ([]Checkpoint, error)
	Close() error
}

type verdict int

const (
	apply verdict = iota
	noop
)

// judge is the single transition rule both backends enforce.
func judge(exists bool, from, to Status) verdict {
	if !exists {
		return apply
	}
	if from.Terminal() {
		return noop
	}
	switch to {
	case Pending:
		return noop
	case Failed, Skipped:
		return apply
	}
	if from == Failed || to.Rank() > from.Rank() {
		return apply
	}
	return noop
}

// Closed reports that a mark to `to` landed on a unit another writer had
// already finished.
func Closed(cp Checkpoint, to Status) bool {
	return cp.Status.Terminal() && cp.Status != to
}

// hasCounters reports whether p carries anything a no-op mark must still record.
func (p Progress) hasCounters() bool { return p.Attempts != 0 || p.Retries != 0 }

func validate(to Status) error {
	if !to.Valid() {
		return fmt.Errorf("unknown checkpoint status %q", to)
	}
	return nil
}

// Counts tallies checkpoints by status.
func Counts(cps []Checkpoint) map[Status]int {
	out := make(map[Status]int, len(ranks))
	for _, c := range cps {
		out[c.Status]++
	}
	return out
}
