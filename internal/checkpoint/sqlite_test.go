package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
)

var (
	unitA = almanac.ScrapeUnit{League: "AL", TableType: almanac.TeamStandings, Season: 1950}
	unitB = almanac.ScrapeUnit{League: "NL", TableType: almanac.PitcherLeaders, Season: 1951}
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// storeSuite runs the shared transition rules against any backend.
func storeSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("forward chain accumulates counters", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, unitA)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Mark(ctx, unitA, Fetching, Progress{})
		require.NoError(t, err)
		_, err = s.Mark(ctx, unitA, Fetched, Progress{Attempts: 3, Retries: 2})
		require.NoError(t, err)
		for _, st := range []Status{Extracting, Extracted, Cleaning, Committed} {
			_, err = s.Mark(ctx, unitA, st, Progress{})
			require.NoError(t, err)
		}
		cp, err := s.Get(ctx, unitA)
		require.NoError(t, err)
		assert.Equal(t, Committed, cp.Status)
		assert.Equal(t, 3, cp.Attempts)
		assert.Equal(t, 2, cp.Retries)
		assert.Equal(t, unitA, cp.Unit)
	})

	t.Run("non-advancing mark keeps status but records counters", func(t *testing.T) {
		s := open(t)
		_, err := s.Mark(ctx, unitA, Extracted, Progress{Attempts: 1})
		require.NoError(t, err)

		cp, err := s.Mark(ctx, unitA, Fetched, Progress{Attempts: 3, Retries: 2})
		require.NoError(t, err)
		assert.Equal(t, Extracted, cp.Status)
		assert.Equal(t, 4, cp.Attempts)
		assert.Equal(t, 2, cp.Retries)

		cp, err = s.Mark(ctx, unitA, Pending, Progress{})
		require.NoError(t, err)
		assert.Equal(t, Extracted, cp.Status)
	})

	t.Run("terminal states do not move", func(t *testing.T) {
		s := open(t)
		_, err := s.Mark(ctx, unitA, Committed, Progress{})
		require.NoError(t, err)

		for _, to := range []Status{Fetching, Failed, Skipped} {
			cp, err := s.Mark(ctx, unitA, to, Progress{Attempts: 1, Err: errors.New("late")})
			require.NoError(t, err)
			assert.Equal(t, Committed, cp.Status)
			assert.True(t, Closed(cp, to))
			assert.Zero(t, cp.Attempts, "a closed unit takes no counters")
		}

		cp, err := s.Mark(ctx, unitA, Committed, Progress{})
		require.NoError(t, err)
		assert.False(t, Closed(cp, Committed))

		_, err = s.Mark(ctx, unitB, Skipped, Progress{})
		require.NoError(t, err)
		cp, err = s.Mark(ctx, unitB, Committed, Progress{})
		require.NoError(t, err)
		assert.Equal(t, Skipped, cp.Status)
		assert.True(t, Closed(cp, Committed))
	})

	t.Run("failed unit can start again", func(t *testing.T) {
		s := open(t)
		_, err := s.Mark(ctx, unitA, Fetching, Progress{})
		require.NoError(t, err)
		cp, err := s.Mark(ctx, unitA, Failed, Progress{Attempts: 6, Retries: 5, Err: errors.New("exhausted")})
		require.NoError(t, err)
		assert.Equal(t, Failed, cp.Status)
		assert.Equal(t, "exhausted", cp.LastError)

		cp, err = s.Mark(ctx, unitA, Fetching, Progress{})
		require.NoError(t, err)
		assert.Equal(t, Fetching, cp.Status)
		assert.Equal(t, 6, cp.Attempts)
	})

	t.Run("pending excludes committed and skipped", func(t *testing.T) {
		s := open(t)
		unitC := almanac.ScrapeUnit{League: "AL", TableType: almanac.TeamStandings, Season: 1952}
		unitD := almanac.ScrapeUnit{League: "AL", TableType: almanac.TeamStandings, Season: 1953}
		_, err := s.Mark(ctx, unitA, Committed, Progress{})
		require.NoError(t, err)
		_, err = s.Mark(ctx, unitB, Skipped, Progress{})
		require.NoError(t, err)
		_, err = s.Mark(ctx, unitC, Failed, Progress{})
		require.NoError(t, err)

		got, err := s.Pending(ctx, []almanac.ScrapeUnit{unitA, unitB, unitC, unitD})
		require.NoError(t, err)
		assert.Equal(t, []almanac.ScrapeUnit{unitC, unitD}, got)
	})

	t.Run("reset reopens a committed unit", func(t *testing.T) {
		s := open(t)
		_, err := s.Mark(ctx, unitA, Committed, Progress{Attempts: 1})
		require.NoError(t, err)
		require.NoError(t, s.Reset(ctx, unitA))
		require.NoError(t, s.Reset(ctx, unitB), "reset of an unknown unit is a no-op")

		cp, err := s.Get(ctx, unitA)
		require.NoError(t, err)
		assert.Equal(t, Pending, cp.Status)
		assert.Equal(t, 1, cp.Attempts, "counters survive a reset")

		got, err := s.Pending(ctx, []almanac.ScrapeUnit{unitA})
		require.NoError(t, err)
		assert.Equal(t, []almanac.ScrapeUnit{unitA}, got)

		_, err = s.Mark(ctx, unitA, Fetching, Progress{})
		require.NoError(t, err)
	})

	t.Run("list returns every unit", func(t *testing.T) {
		s := open(t)
		_, err := s.Mark(ctx, unitB, Fetching, Progress{})
		require.NoError(t, err)
		_, err = s.Mark(ctx, unitA, Committed, Progress{})
		require.NoError(t, err)

		cps, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, cps, 2)
		counts := Counts(cps)
		assert.Equal(t, 1, counts[Committed])
		assert.Equal(t, 1, counts[Fetching])
	})

	t.Run("unknown status is refused", func(t *testing.T) {
		s := open(t)
		_, err := s.Mark(ctx, unitA, Status("parsed"), Progress{})
		assert.Error(t, err)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return openTestStore(t) })
}

func TestSQLiteStore_HistoryIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, st := range []Status{Fetching, Fetched, Fetching, Failed, Fetching} {
		_, err := s.Mark(ctx, unitA, st, Progress{})
		require.NoError(t, err)
	}
	require.NoError(t, s.Reset(ctx, unitA))

	h, err := s.History(ctx, unitA)
	require.NoError(t, err)
	// the second Fetching was a no-op and left no entry
	assert.Equal(t, []Status{Fetching, Fetched, Failed, Fetching, Pending}, h)
}

func TestSQLiteStore_CounterOnlyMarkIsNotATransition(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Mark(ctx, unitA, Extracted, Progress{Attempts: 1})
	require.NoError(t, err)
	_, err = s.Mark(ctx, unitA, Fetched, Progress{Attempts: 2, Retries: 1})
	require.NoError(t, err)

	h, err := s.History(ctx, unitA)
	require.NoError(t, err)
	assert.Equal(t, []Status{Extracted}, h)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cp.db")
	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	_, err = s.Mark(ctx, unitA, Extracted, Progress{Attempts: 2, Retries: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	cp, err := s.Get(ctx, unitA)
	require.NoError(t, err)
	assert.Equal(t, Extracted, cp.Status)
	assert.Equal(t, 1, cp.Retries)
}

func TestSQLiteStore_ConcurrentMarksStayMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	chain := []Status{Fetching, Fetched, Extracting, Extracted, Cleaning, Committed}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, st := range chain {
				_, err := s.Mark(ctx, unitA, st, Progress{Attempts: 1})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	cp, err := s.Get(ctx, unitA)
	require.NoError(t, err)
	assert.Equal(t, Committed, cp.Status)

	h, err := s.History(ctx, unitA)
	require.NoError(t, err)
	for i := 1; i < len(h); i++ {
		assert.Greater(t, h[i].Rank(), h[i-1].Rank(), "history must only advance: %v", h)
	}
}

func TestJudge(t *testing.T) {
	cases := []struct {
		exists   bool
		from, to Status
		want     verdict
	}{
		{false, "", Fetching, apply},
		{true, Pending, Fetching, apply},
		{true, Fetched, Fetching, noop},
		{true, Fetched, Fetched, noop},
		{true, Cleaning, Failed, apply},
		{true, Failed, Failed, apply},
		{true, Failed, Extracting, apply},
		{true, Failed, Pending, noop},
		{true, Extracted, Skipped, apply},
		{true, Committed, Committed, noop},
		{true, Committed, Fetching, noop},
		{true, Committed, Failed, noop},
		{true, Skipped, Failed, noop},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, judge(c.exists, c.from, c.to), "%s -> %s", c.from, c.to)
	}
}
