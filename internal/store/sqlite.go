// Package store is the structured store: one SQLite table per league and
// table type, typed columns, and a unique identity key per row.
package store

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
)

var reIdent = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

type DB struct {
	db *sqlx.DB

	mu      sync.Mutex
	ensured map[string]bool
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "busy_timeout(10000)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &DB{db: db, ensured: map[string]bool{}}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func sqlType(k almanac.Kind) string {
	switch k {
	case almanac.KindInt:
		return "INTEGER"
	case almanac.KindReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func quote(ident string) string { return `"` + ident + `"` }

// CreateTableSQL is the DDL for one (league, table type) table.
func CreateTableSQL(table string, spec almanac.TableSpec) []string {
	var cols []string
	cols = append(cols,
		"id INTEGER PRIMARY KEY AUTOINCREMENT",
		"league TEXT NOT NULL",
		"season INTEGER NOT NULL",
		"entity TEXT NOT NULL",
		"category TEXT NOT NULL DEFAULT ''",
	)
	for _, f := range spec.Fields {
		c := quote(f.Name) + " " + sqlType(f.Kind)
		if f.Required {
			c += " NOT NULL"
		}
		cols = append(cols, c)
	}
	cols = append(cols,
		"source_url TEXT NOT NULL DEFAULT ''",
		"page_index INTEGER NOT NULL DEFAULT 0",
		"row_ordinal INTEGER NOT NULL",
		"row_hash TEXT NOT NULL",
		"loaded_at TEXT NOT NULL",
		"UNIQUE (league, season, entity, category)",
	)
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", quote(table), strings.Join(cols, ",\n  ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (season, entity)", quote(table+"_season_entity"), quote(table)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (season, page_index)", quote(table+"_season_page"), quote(table)),
	}
	if spec.HasField("team") {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (season, team)", quote(table+"_season_team"), quote(table)))
	}
	return stmts
}

func tableFor(league string, tt almanac.TableType) (string, almanac.TableSpec, error) {
	spec, err := almanac.SpecFor(tt)
	if err != nil {
		return "", almanac.TableSpec{}, err
	}
	table := almanac.TableName(league, tt)
	if !reIdent.MatchString(table) {
		return "", almanac.TableSpec{}, fmt.Errorf("invalid table name %q", table)
	}
	return table, spec, nil
}

func (d *DB) ensure(ctx context.Context, league string, tt almanac.TableType) (string, almanac.TableSpec, error) {
	table, spec, err := tableFor(league, tt)
	if err != nil {
		return "", spec, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ensured[table] {
		return table, spec, nil
	}
	for _, stmt := range CreateTableSQL(table, spec) {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return "", spec, fmt.Errorf("create %s: %w", table, err)
		}
	}
	d.ensured[table] = true
	return table, spec, nil
}

func (d *DB) exists(ctx context.Context, table string) (bool, error) {
	var n int
	err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	return n > 0, err
}

// Tables lists the data tables present in the store.
func (d *DB) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := d.db.SelectContext(ctx, &names,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}
