package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/clean"
	"github.com/tyler180/baseball-almanac-backends/internal/dedup"
)

type CommitResult struct {
	Inserted int
	Present  int
}

func insertSQL(table string, spec almanac.TableSpec) string {
	cols := []string{"league", "season", "entity", "category"}
	for _, f := range spec.Fields {
		cols = append(cols, quote(f.Name))
	}
	cols = append(cols, "source_url", "page_index", "row_ordinal", "row_hash", "loaded_at")
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (league, season, entity, category) DO NOTHING",
		quote(table), strings.Join(cols, ", "), marks)
}

func insertRows(ctx context.Context, tx *sqlx.Tx, table string, spec almanac.TableSpec, rows []clean.CleanedRow) (CommitResult, error) {
	var res CommitResult
	stmt, err := tx.PreparexContext(ctx, insertSQL(table, spec))
	if err != nil {
		return res, fmt.Errorf("prepare insert %s: %w", table, err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range rows {
		args := []any{r.Unit.League, r.Unit.Season, r.Entity, r.Category}
		for _, f := range spec.Fields {
			args = append(args, r.Values[f.Name])
		}
		args = append(args, r.SourceURL, r.Unit.Page, r.Ordinal, r.Hash(), now)
		out, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return res, fmt.Errorf("insert %s row %d: %w", r.Unit, r.Ordinal, err)
		}
		n, _ := out.RowsAffected()
		if n > 0 {
			res.Inserted++
		} else {
			res.Present++
		}
	}
	return res, nil
}

// Commit loads one unit's rows in a single transaction. Rows whose identity
// key is already stored are left untouched and counted as present.
func (d *DB) Commit(ctx context.Context, u almanac.ScrapeUnit, rows []clean.CleanedRow) (CommitResult, error) {
	table, spec, err := d.ensure(ctx, u.League, u.TableType)
	if err != nil {
		return CommitResult{}, err
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit %s: begin: %w", u, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := insertRows(ctx, tx, table, spec, rows)
	if err != nil {
		return CommitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit %s: %w", u, err)
	}
	return res, nil
}

// Rebuild replaces every row of a (league, table type) in one transaction.
func (d *DB) Rebuild(ctx context.Context, league string, tt almanac.TableType, rows []clean.CleanedRow) (CommitResult, error) {
	table, spec, err := d.ensure(ctx, league, tt)
	if err != nil {
		return CommitResult{}, err
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("rebuild %s: begin: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quote(table))); err != nil {
		return CommitResult{}, fmt.Errorf("rebuild %s: clear: %w", table, err)
	}
	res, err := insertRows(ctx, tx, table, spec, rows)
	if err != nil {
		return CommitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("rebuild %s: %w", table, err)
	}
	return res, nil
}

// DeleteUnit removes the rows a unit loaded.
func (d *DB) DeleteUnit(ctx context.Context, u almanac.ScrapeUnit) (int64, error) {
	table, _, err := tableFor(u.League, u.TableType)
	if err != nil {
		return 0, err
	}
	ok, err := d.exists(ctx, table)
	if err != nil || !ok {
		return 0, err
	}
	out, err := d.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE league = ? AND season = ? AND page_index = ?", quote(table)),
		u.League, u.Season, u.Page)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", u, err)
	}
	return out.RowsAffected()
}

type keyRow struct {
	League   string `db:"league"`
	Season   int    `db:"season"`
	Entity   string `db:"entity"`
	Category string `db:"category"`
	RowHash  string `db:"row_hash"`
	Page     int    `db:"page_index"`
}

// Keys returns the stored identity keys of one season, for seeding dedup.
func (d *DB) Keys(ctx context.Context, league string, tt almanac.TableType, season int) ([]dedup.Entry, error) {
	table, _, err := tableFor(league, tt)
	if err != nil {
		return nil, err
	}
	ok, err := d.exists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}
	var rows []keyRow
	err = d.db.SelectContext(ctx, &rows,
		fmt.Sprintf("SELECT league, season, entity, category, row_hash, page_index FROM %s WHERE league = ? AND season = ?", quote(table)),
		league, season)
	if err != nil {
		return nil, fmt.Errorf("keys %s %d: %w", table, season, err)
	}
	out := make([]dedup.Entry, 0, len(rows))
	for _, r := range rows {
		fp, _ := strconv.ParseUint(r.RowHash, 16, 64)
		out = append(out, dedup.Entry{
			Key: dedup.IdentityKey{
				League: r.League, TableType: tt, Season: r.Season, Entity: r.Entity, Category: r.Category,
			},
			Fingerprint: fp,
			UnitKey:     almanac.ScrapeUnit{League: r.League, TableType: tt, Season: r.Season, Page: r.Page}.Key(),
		})
	}
	return out, nil
}

func (d *DB) Count(ctx context.Context, league string, tt almanac.TableType) (int, error) {
	table, _, err := tableFor(league, tt)
	if err != nil {
		return 0, err
	}
	ok, err := d.exists(ctx, table)
	if err != nil || !ok {
		return 0, err
	}
	var n int
	if err := d.db.GetContext(ctx, &n, fmt.Sprintf("SELECT COUNT(*) FROM %s", quote(table))); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// NullCounts is the post-load validation view of one table.
type NullCounts struct {
	Table string
	Rows  int
	Nulls map[string]int
}

// NullReport counts nulls per canonical column.
func (d *DB) NullReport(ctx context.Context, league string, tt almanac.TableType) (NullCounts, error) {
	table, spec, err := tableFor(league, tt)
	if err != nil {
		return NullCounts{}, err
	}
	out := NullCounts{Table: table, Nulls: map[string]int{}}
	ok, err := d.exists(ctx, table)
	if err != nil || !ok {
		return out, err
	}
	exprs := []string{"COUNT(*) AS total"}
	for i, f := range spec.Fields {
		exprs = append(exprs, fmt.Sprintf("COUNT(*) - COUNT(%s) AS n%d", quote(f.Name), i))
	}
	row := d.db.QueryRowxContext(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), quote(table)))
	vals, err := row.SliceScan()
	if err != nil {
		return out, fmt.Errorf("null report %s: %w", table, err)
	}
	out.Rows = int(toInt64(vals[0]))
	for i, f := range spec.Fields {
		out.Nulls[f.Name] = int(toInt64(vals[i+1]))
	}
	return out, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case []byte:
		n, _ := strconv.ParseInt(string(t), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
