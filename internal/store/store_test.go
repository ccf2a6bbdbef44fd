package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/clean"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "almanac.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var alStandings1950 = almanac.ScrapeUnit{League: "AL", TableType: almanac.TeamStandings, Season: 1950}

func standingsRow(u almanac.ScrapeUnit, ord int, team string, wins int64, gb any) clean.CleanedRow {
	spec := almanac.MustSpec(almanac.TeamStandings)
	vals := map[string]any{"team": team, "wins": wins, "losses": int64(154) - wins, "gb": gb}
	return clean.CleanedRow{
		Unit: u, SourceURL: "https://www.baseball-almanac.com/yearly/yr1950a.shtml", Ordinal: ord,
		Entity: team, Values: vals, Fingerprint: clean.Fingerprint(spec, vals),
	}
}

func TestCommit_InsertsOnceAndIgnoresRepeats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	rows := []clean.CleanedRow{
		standingsRow(alStandings1950, 1, "New York Yankees", 98, 0.0),
		standingsRow(alStandings1950, 2, "Detroit Tigers", 95, 3.0),
		standingsRow(alStandings1950, 3, "Boston Red Sox", 94, nil),
	}
	res, err := db.Commit(ctx, alStandings1950, rows)
	require.NoError(t, err)
	assert.Equal(t, CommitResult{Inserted: 3}, res)

	res, err = db.Commit(ctx, alStandings1950, rows)
	require.NoError(t, err)
	assert.Equal(t, CommitResult{Present: 3}, res)

	n, err := db.Count(ctx, "AL", almanac.TeamStandings)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCommit_RequiredColumnIsNotNull(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	bad := standingsRow(alStandings1950, 1, "X", 1, nil)
	bad.Values["team"] = nil
	_, err := db.Commit(ctx, alStandings1950, []clean.CleanedRow{standingsRow(alStandings1950, 2, "Y", 2, nil), bad})
	require.Error(t, err)

	n, err := db.Count(ctx, "AL", almanac.TeamStandings)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a failed batch leaves nothing behind")
}

func TestKeysAndDeleteUnit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	page2 := alStandings1950
	page2.Page = 2
	r1 := standingsRow(alStandings1950, 1, "Cleveland Indians", 92, 6.0)
	r2 := standingsRow(page2, 1, "Washington Senators", 67, 31.0)
	_, err := db.Commit(ctx, alStandings1950, []clean.CleanedRow{r1})
	require.NoError(t, err)
	_, err = db.Commit(ctx, page2, []clean.CleanedRow{r2})
	require.NoError(t, err)

	keys, err := db.Keys(ctx, "AL", almanac.TeamStandings, 1950)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	byEntity := map[string]uint64{}
	units := map[string]string{}
	for _, k := range keys {
		byEntity[k.Key.Entity] = k.Fingerprint
		units[k.Key.Entity] = k.UnitKey
	}
	assert.Equal(t, r1.Fingerprint, byEntity["Cleveland Indians"])
	assert.Equal(t, page2.Key(), units["Washington Senators"])

	deleted, err := db.DeleteUnit(ctx, page2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	none, err := db.Keys(ctx, "NL", almanac.TeamStandings, 1950)
	require.NoError(t, err)
	assert.Empty(t, none)
	_, err = db.DeleteUnit(ctx, almanac.ScrapeUnit{League: "NL", TableType: almanac.TeamStandings, Season: 1950})
	require.NoError(t, err)
}

func TestRebuildReplacesTable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.Commit(ctx, alStandings1950, []clean.CleanedRow{
		standingsRow(alStandings1950, 1, "A", 90, nil),
		standingsRow(alStandings1950, 2, "B", 80, nil),
	})
	require.NoError(t, err)

	res, err := db.Rebuild(ctx, "AL", almanac.TeamStandings, []clean.CleanedRow{standingsRow(alStandings1950, 1, "C", 70, nil)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	n, err := db.Count(ctx, "AL", almanac.TeamStandings)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNullReport(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.Commit(ctx, alStandings1950, []clean.CleanedRow{
		standingsRow(alStandings1950, 1, "A", 90, nil),
		standingsRow(alStandings1950, 2, "B", 80, 10.0),
	})
	require.NoError(t, err)

	rep, err := db.NullReport(ctx, "AL", almanac.TeamStandings)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Rows)
	assert.Equal(t, 1, rep.Nulls["gb"])
	assert.Equal(t, 2, rep.Nulls["payroll"])
	assert.Equal(t, 0, rep.Nulls["team"])
}

func TestReaderQuery(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	u51 := alStandings1950
	u51.Season = 1951
	_, err := db.Commit(ctx, alStandings1950, []clean.CleanedRow{
		standingsRow(alStandings1950, 1, "New York Yankees", 98, 0.0),
		standingsRow(alStandings1950, 2, "Detroit Tigers", 95, 3.0),
	})
	require.NoError(t, err)
	_, err = db.Commit(ctx, u51, []clean.CleanedRow{standingsRow(u51, 1, "New York Yankees", 98, 0.0)})
	require.NoError(t, err)

	r := NewReader(db)
	recs, err := r.Query(ctx, Filter{League: "AL", TableType: almanac.TeamStandings, Team: "New York Yankees"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1950, recs[0].Season)
	assert.Equal(t, int64(98), recs[0].Values["wins"])
	assert.Equal(t, 0.0, recs[0].Values["gb"])
	assert.Nil(t, recs[0].Values["ties"])

	recs, err = r.Query(ctx, Filter{League: "AL", TableType: almanac.TeamStandings, SeasonFrom: 1950, SeasonTo: 1950})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = r.Query(ctx, Filter{League: "NL", TableType: almanac.TeamStandings})
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = r.Query(ctx, Filter{League: "AL", TableType: almanac.PlayerHittingLeaders, Team: "x"})
	assert.NoError(t, err, "missing table is empty, not an error")
}

func TestCreateTableSQL(t *testing.T) {
	stmts := CreateTableSQL("al_team_pitching_complete", almanac.MustSpec(almanac.TeamPitchingComplete))
	require.Len(t, stmts, 4)
	assert.Contains(t, stmts[0], `"team" TEXT NOT NULL`)
	assert.Contains(t, stmts[0], `"era" REAL`)
	assert.Contains(t, stmts[0], `"ha" INTEGER`)
	assert.Contains(t, stmts[0], "UNIQUE (league, season, entity, category)")
	assert.Contains(t, stmts[3], "(season, team)")
}

func TestOpen_CommitsAreSyncedBeforeReturning(t *testing.T) {
	db := openTestDB(t)
	var mode int
	require.NoError(t, db.db.GetContext(context.Background(), &mode, `PRAGMA synchronous`))
	assert.Equal(t, 2, mode, "FULL")

	var journal string
	require.NoError(t, db.db.GetContext(context.Background(), &journal, `PRAGMA journal_mode`))
	assert.Equal(t, "wal", journal)
}
