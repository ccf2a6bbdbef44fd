package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
)

// Filter narrows a Query. League and TableType are required; zero values of
// the rest match everything.
type Filter struct {
	League     string
	TableType  almanac.TableType
	SeasonFrom int
	SeasonTo   int
	Entity     string
	Team       string
	Category   string
	Limit      int
}

type Record struct {
	League    string
	TableType almanac.TableType
	Season    int
	Entity    string
	Category  string
	Values    map[string]any
	SourceURL string
	RowHash   string
}

// Reader is the downstream read interface. Each query runs against committed
// unit batches only.
type Reader struct {
	db *DB
}

func NewReader(db *DB) *Reader { return &Reader{db: db} }

func (r *Reader) Query(ctx context.Context, f Filter) ([]Record, error) {
	table, spec, err := tableFor(f.League, f.TableType)
	if err != nil {
		return nil, err
	}
	ok, err := r.db.exists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	cols := []string{"league", "season", "entity", "category", "source_url", "row_hash"}
	for _, fs := range spec.Fields {
		cols = append(cols, quote(fs.Name))
	}
	where := []string{"league = ?"}
	args := []any{f.League}
	if f.SeasonFrom != 0 {
		where = append(where, "season >= ?")
		args = append(args, f.SeasonFrom)
	}
	if f.SeasonTo != 0 {
		where = append(where, "season <= ?")
		args = append(args, f.SeasonTo)
	}
	if f.Entity != "" {
		where = append(where, "entity = ?")
		args = append(args, f.Entity)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Team != "" {
		if !spec.HasField("team") {
			return nil, fmt.Errorf("%s has no team column", table)
		}
		where = append(where, `"team" = ?`)
		args = append(args, f.Team)
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY season, entity, category",
		strings.Join(cols, ", "), quote(table), strings.Join(where, " AND "))
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		rec := Record{
			League:    asString(vals[0]),
			TableType: f.TableType,
			Season:    int(toInt64(vals[1])),
			Entity:    asString(vals[2]),
			Category:  asString(vals[3]),
			SourceURL: asString(vals[4]),
			RowHash:   asString(vals[5]),
			Values:    make(map[string]any, len(spec.Fields)),
		}
		for i, fs := range spec.Fields {
			rec.Values[fs.Name] = typed(fs.Kind, vals[6+i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// typed maps driver values back onto the row value types used by clean.
func typed(k almanac.Kind, v any) any {
	if v == nil {
		return nil
	}
	switch k {
	case almanac.KindInt:
		return toInt64(v)
	case almanac.KindReal:
		switch t := v.(type) {
		case float64:
			return t
		case int64:
			return float64(t)
		}
		return v
	default:
		return asString(v)
	}
}
