// Package lake exports cleaned units as partitioned parquet files in long
// format, one record per (row, field), for querying through Athena.
package lake

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	parquet "github.com/parquet-go/parquet-go"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/clean"
)

// StatRecord is one non-null value of one cleaned row. Exactly one of the
// value columns is set, matching the field's kind.
type StatRecord struct {
	Entity     string   `parquet:"entity"`
	Category   *string  `parquet:"category,optional"`
	Field      string   `parquet:"field"`
	IntValue   *int64   `parquet:"int_value,optional"`
	RealValue  *float64 `parquet:"real_value,optional"`
	TextValue  *string  `parquet:"text_value,optional"`
	RowOrdinal int32    `parquet:"row_ordinal"`
	RowHash    string   `parquet:"row_hash"`
	SourceURL  string   `parquet:"source_url"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Explode flattens rows into records in row order, fields in table order.
// Null values are omitted.
func Explode(spec almanac.TableSpec, rows []clean.CleanedRow) []StatRecord {
	var out []StatRecord
	for _, r := range rows {
		for _, f := range spec.Fields {
			v := r.Values[f.Name]
			if v == nil {
				continue
			}
			rec := StatRecord{
				Entity:     r.Entity,
				Category:   strPtr(r.Category),
				Field:      f.Name,
				RowOrdinal: int32(r.Ordinal),
				RowHash:    r.Hash(),
				SourceURL:  r.SourceURL,
			}
			switch x := v.(type) {
			case int64:
				rec.IntValue = &x
			case float64:
				rec.RealValue = &x
			case string:
				rec.TextValue = &x
			default:
				s := clean.FormatValue(x)
				rec.TextValue = &s
			}
			out = append(out, rec)
		}
	}
	return out
}

// Encode writes records as one Snappy-compressed parquet file.
func Encode(recs []StatRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[StatRecord](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(recs); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write parquet: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) ([]StatRecord, error) {
	recs, err := parquet.Read[StatRecord](bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return recs, nil
}

// TableRoot is the key prefix every part file lives under.
func TableRoot(prefix string) string {
	if prefix == "" {
		return "stat_values/"
	}
	return strings.TrimRight(prefix, "/") + "/stat_values/"
}

// Key is the deterministic object key of a unit's part file, so a repeated
// export overwrites instead of duplicating.
func Key(prefix string, u almanac.ScrapeUnit) string {
	return fmt.Sprintf("%sleague=%s/table_type=%s/season=%d/part-%d.parquet", TableRoot(prefix), u.League, u.TableType, u.Season, u.Page)
}

// fieldsOf lists the distinct fields present in recs, sorted.
func fieldsOf(recs []StatRecord) []string {
	seen := map[string]bool{}
	for _, r := range recs {
		seen[r.Field] = true
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
