package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
)

//go:embed schema.sql
var schema string

// SQLiteStore keeps checkpoints in a local SQLite file. Every Mark runs in
// its own IMMEDIATE transaction with synchronous=FULL, so a returned Mark
// survives a crash and concurrent writers never lose an update.
type SQLiteStore struct {
	db *sqlx.DB
}

// SQLiteDSN adds the pragmas both SQLite files in this module rely on.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type checkpointRow struct {
	UnitKey   string `db:"unit_key"`
	League    string `db:"league"`
	TableType string `db:"table_type"`
	Season    int    `db:"season"`
	Page      int    `db:"page"`
	Status    string `db:"status"`
	Rank      int    `db:"status_rank"`
	Attempts  int    `db:"attempts"`
	Retries   int    `db:"retries"`
	LastError string `db:"last_error"`
	UpdatedAt string `db:"updated_at"`
}

func (r checkpointRow) checkpoint() Checkpoint {
	ts, _ := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return Checkpoint{
		Unit: almanac.ScrapeUnit{
			League:    r.League,
			TableType: almanac.TableType(r.TableType),
			Season:    r.Season,
			Page:      r.Page,
		},
		Status:    Status(r.Status),
		Attempts:  r.Attempts,
		Retries:   r.Retries,
		LastError: r.LastError,
		UpdatedAt: ts,
	}
}

const selectCheckpoint = `SELECT unit_key, league, table_type, season, page, status, status_rank,
	attempts, retries, last_error, updated_at FROM checkpoints`

func (s *SQLiteStore) Get(ctx context.Context, u almanac.ScrapeUnit) (Checkpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, selectCheckpoint+` WHERE unit_key = ?`, u.Key())
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{Unit: u, Status: Pending}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", u, err)
	}
	return row.checkpoint(), nil
}

func (s *SQLiteStore) Mark(ctx context.Context, u almanac.ScrapeUnit, to Status, p Progress) (Checkpoint, error) {
	if err := validate(to); err != nil {
		return Checkpoint{}, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("mark %s: begin: %w", u, err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur checkpointRow
	exists := true
	err = tx.GetContext(ctx, &cur, selectCheckpoint+` WHERE unit_key = ?`, u.Key())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return Checkpoint{}, fmt.Errorf("mark %s: read: %w", u, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if judge(exists, Status(cur.Status), to) == noop {
		if !exists || Status(cur.Status).Terminal() || !p.hasCounters() {
			return cur.checkpoint(), nil
		}
		return s.addCounters(ctx, tx, u, p, now)
	}

	if exists {
		lastErr := cur.LastError
		if p.Err != nil {
			lastErr = p.errText()
		}
		_, err = tx.ExecContext(ctx, `UPDATE checkpoints
			SET status = ?, status_rank = ?, attempts = attempts + ?, retries = retries + ?, last_error = ?, updated_at = ?
			WHERE unit_key = ?`,
			string(to), to.Rank(), p.Attempts, p.Retries, lastErr, now, u.Key())
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO checkpoints
			(unit_key, league, table_type, season, page, status, status_rank, attempts, retries, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.Key(), u.League, string(u.TableType), u.Season, u.Page, string(to), to.Rank(), p.Attempts, p.Retries, p.errText(), now)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("mark %s: write: %w", u, err)
	}
	from := cur.Status
	if !exists {
		from = ""
	}
	if err := appendLog(ctx, tx, u, from, string(to), p.errText(), now); err != nil {
		return Checkpoint{}, err
	}

	var next checkpointRow
	if err := tx.GetContext(ctx, &next, selectCheckpoint+` WHERE unit_key = ?`, u.Key()); err != nil {
		return Checkpoint{}, fmt.Errorf("mark %s: reread: %w", u, err)
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, fmt.Errorf("mark %s: commit: %w", u, err)
	}
	return next.checkpoint(), nil
}

// addCounters records a repeated fetch on a unit whose status does not move.
func (s *SQLiteStore) addCounters(ctx context.Context, tx *sqlx.Tx, u almanac.ScrapeUnit, p Progress, now string) (Checkpoint, error) {
	if _, err := tx.ExecContext(ctx,
		`UPDATE checkpoints SET attempts = attempts + ?, retries = retries + ?, updated_at = ? WHERE unit_key = ?`,
		p.Attempts, p.Retries, now, u.Key()); err != nil {
		return Checkpoint{}, fmt.Errorf("mark %s: counters: %w", u, err)
	}
	var next checkpointRow
	if err := tx.GetContext(ctx, &next, selectCheckpoint+` WHERE unit_key = ?`, u.Key()); err != nil {
		return Checkpoint{}, fmt.Errorf("mark %s: reread: %w", u, err)
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, fmt.Errorf("mark %s: commit: %w", u, err)
	}
	return next.checkpoint(), nil
}

func appendLog(ctx context.Context, tx *sqlx.Tx, u almanac.ScrapeUnit, from, to, note, at string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoint_log (unit_key, from_status, to_status, note, at) VALUES (?, ?, ?, ?, ?)`,
		u.Key(), from, to, note, at)
	if err != nil {
		return fmt.Errorf("append checkpoint log %s: %w", u, err)
	}
	return nil
}

func (s *SQLiteStore) Pending(ctx context.Context, matrix []almanac.ScrapeUnit) ([]almanac.ScrapeUnit, error) {
	var done []string
	err := s.db.SelectContext(ctx, &done,
		`SELECT unit_key FROM checkpoints WHERE status IN (?, ?)`, string(Committed), string(Skipped))
	if err != nil {
		return nil, fmt.Errorf("pending units: %w", err)
	}
	skip := make(map[string]bool, len(done))
	for _, k := range done {
		skip[k] = true
	}
	out := make([]almanac.ScrapeUnit, 0, len(matrix))
	for _, u := range matrix {
		if !skip[u.Key()] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *SQLiteStore) Reset(ctx context.Context, u almanac.ScrapeUnit) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset %s: begin: %w", u, err)
	}
	defer func() { _ = tx.Rollback() }()

	var from string
	err = tx.GetContext(ctx, &from, `SELECT status FROM checkpoints WHERE unit_key = ?`, u.Key())
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reset %s: read: %w", u, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, status_rank = ?, last_error = '', updated_at = ? WHERE unit_key = ?`,
		string(Pending), Pending.Rank(), now, u.Key()); err != nil {
		return fmt.Errorf("reset %s: %w", u, err)
	}
	if err := appendLog(ctx, tx, u, from, string(Pending), "operator reset", now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context) ([]Checkpoint, error) {
	var rows []checkpointRow
	if err := s.db.SelectContext(ctx, &rows, selectCheckpoint+` ORDER BY league, season, page, table_type`); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]Checkpoint, len(rows))
	for i, r := range rows {
		out[i] = r.checkpoint()
	}
	return out, nil
}

// History returns the unit's transitions, oldest first.
func (s *SQLiteStore) History(ctx context.Context, u almanac.ScrapeUnit) ([]Status, error) {
	var to []string
	if err := s.db.SelectContext(ctx, &to,
		`SELECT to_status FROM checkpoint_log WHERE unit_key = ? ORDER BY id`, u.Key()); err != nil {
		return nil, fmt.Errorf("checkpoint history %s: %w", u, err)
	}
	out := make([]Status, len(to))
	for i, s := range to {
		out[i] = Status(s)
	}
	return out, nil
}
