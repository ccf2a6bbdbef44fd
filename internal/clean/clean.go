// Package clean turns raw extracted rows into typed, validated rows.
package clean

import (
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
)

// CleanedRow holds typed values: int64, float64, string, or nil for null.
type CleanedRow struct {
	Unit        almanac.ScrapeUnit
	SourceURL   string
	Ordinal     int
	Entity      string
	Category    string
	Values      map[string]any
	Fingerprint uint64
}

// Hash is the fingerprint as stored in row_hash columns.
func (r CleanedRow) Hash() string { return fmt.Sprintf("%016x", r.Fingerprint) }

type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return "row rejected: " + e.Reason }

func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

var placeholders = map[string]bool{
	"--": true, "—": true, "–": true, "-": true, "": true,
	"N/A": true, "n/a": true, "NA": true, "na": true,
}

// mojibake forms of ½ seen in older pages, longest first
var fractions = strings.NewReplacer(
	"Ãƒâ€šÃ‚Â½", ".5",
	"Ã‚Â½", ".5",
	"Â½", ".5",
	"½", ".5",
)

const footnotes = "*†‡#+?"

// rate statistics that some leader pages print as thousandths (335 for .335)
var thousandths = map[string]bool{
	"batting average":     true,
	"on base percentage":  true,
	"on-base percentage":  true,
	"on base average":     true,
	"slugging average":    true,
	"slugging percentage": true,
	"winning percentage":  true,
}

type Normalizer struct {
	spec almanac.TableSpec
}

func NewNormalizer(spec almanac.TableSpec) *Normalizer {
	return &Normalizer{spec: spec}
}

func (n *Normalizer) Spec() almanac.TableSpec { return n.spec }

// Normalize applies placeholder nulling, decoration stripping, type coercion,
// required checks and leader-rate rescaling, in that order. A rejected row
// returns a *RejectError and is counted in rep.
func (n *Normalizer) Normalize(raw almanac.RawRow, rep *QualityReport) (CleanedRow, error) {
	if rep == nil {
		rep = NewReport(raw.Unit.Table())
	}
	rep.RowsIn++

	values := make(map[string]any, len(n.spec.Fields))
	for _, f := range n.spec.Fields {
		v, err := n.field(f, raw.Values[f.Name], rep)
		if err != nil {
			rep.drop(err.Reason)
			return CleanedRow{}, err
		}
		values[f.Name] = v
	}
	for _, f := range n.spec.Fields {
		if f.Required && values[f.Name] == nil {
			reason := "required_null:" + f.Name
			rep.drop(reason)
			return CleanedRow{}, &RejectError{Reason: reason}
		}
	}
	n.fixup(values, rep)

	for _, f := range n.spec.Fields {
		if values[f.Name] == nil {
			rep.NullsAfter[f.Name]++
		}
	}
	row := CleanedRow{
		Unit:      raw.Unit,
		SourceURL: raw.SourceURL,
		Ordinal:   raw.Ordinal,
		Values:    values,
	}
	row.Entity, _ = values[n.spec.Entity].(string)
	if n.spec.Category != "" {
		row.Category, _ = values[n.spec.Category].(string)
	}
	row.Fingerprint = Fingerprint(n.spec, values)
	rep.RowsOut++
	return row, nil
}

func (n *Normalizer) field(f almanac.FieldSpec, raw *string, rep *QualityReport) (any, *RejectError) {
	if raw == nil {
		rep.NullsBefore[f.Name]++
		return nil, nil
	}
	s := strings.TrimSpace(strings.ReplaceAll(*raw, "\u00a0", " "))
	if placeholders[s] {
		rep.PlaceholdersNulled++
		return nil, nil
	}
	if f.Kind == almanac.KindText {
		t := strings.TrimRight(strings.Join(strings.Fields(s), " "), footnotes+" ")
		if t == "" {
			return nil, nil
		}
		return t, nil
	}

	num := stripDecoration(s, rep)
	if num == "" {
		rep.PlaceholdersNulled++
		return nil, nil
	}
	v, err := ParseValue(f.Kind, num)
	if err != nil {
		rep.anomaly(f.Name, *raw)
		return nil, &RejectError{Reason: "coerce:" + f.Name}
	}
	return v, nil
}

func stripDecoration(s string, rep *QualityReport) string {
	out := fractions.Replace(s)
	if out != s {
		rep.FractionsFixed++
	}
	if strings.HasPrefix(out, ",") {
		out = "0." + out[1:]
	}
	before := out
	out = strings.Map(func(r rune) rune {
		switch {
		case r == ',' || r == '%' || r == '$' || r == ' ' || r == '\u00a0':
			return -1
		case strings.ContainsRune(footnotes, r):
			return -1
		}
		return r
	}, out)
	if out != before {
		rep.DecorationsStripped++
	}
	switch {
	case strings.HasPrefix(out, "."):
		out = "0" + out
	case strings.HasPrefix(out, "-."):
		out = "-0" + out[1:]
	}
	return out
}

func (n *Normalizer) fixup(values map[string]any, rep *QualityReport) {
	if n.spec.Layout != almanac.LayoutLeaders && n.spec.Layout != almanac.LayoutTeamLeaders {
		return
	}
	stat, _ := values["statistic"].(string)
	if !thousandths[strings.ToLower(stat)] {
		return
	}
	if v, ok := values["value"].(float64); ok && v > 1 {
		values["value"] = v / 1000
		rep.Rescaled++
	}
}

// ParseValue coerces an already-stripped token. Integral reals such as
// "12.0" are accepted for integer fields.
func ParseValue(kind almanac.Kind, s string) (any, error) {
	switch kind {
	case almanac.KindInt:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
			return nil, fmt.Errorf("not an integer: %q", s)
		}
		return int64(f), nil
	case almanac.KindReal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("not a number: %q", s)
		}
		return f, nil
	default:
		return s, nil
	}
}

// FormatValue is the inverse of ParseValue; nil formats as "".
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Fingerprint is FNV-64a over the canonical values in field order.
func Fingerprint(spec almanac.TableSpec, values map[string]any) uint64 {
	h := fnv.New64a()
	for _, f := range spec.Fields {
		_, _ = h.Write([]byte(f.Name))
		_, _ = h.Write([]byte{'='})
		if v := values[f.Name]; v == nil {
			_, _ = h.Write([]byte{0})
		} else {
			_, _ = h.Write([]byte(FormatValue(v)))
		}
		_, _ = h.Write([]byte{0x1f})
	}
	return h.Sum64()
}

// NormalizeRows cleans rows already read into memory, keeping accepted rows
// in source order.
func (n *Normalizer) NormalizeRows(rows []almanac.RawRow, rep *QualityReport) []CleanedRow {
	out := make([]CleanedRow, 0, len(rows))
	for _, raw := range rows {
		if row, err := n.Normalize(raw, rep); err == nil {
			out = append(out, row)
		}
	}
	return out
}

// NormalizeAll drains rows, keeping accepted rows in source order. Only an
// extraction error stops it; rejected rows are counted in rep.
func (n *Normalizer) NormalizeAll(rows iter.Seq2[almanac.RawRow, error], rep *QualityReport) ([]CleanedRow, error) {
	var out []CleanedRow
	for raw, err := range rows {
		if err != nil {
			return out, err
		}
		row, err := n.Normalize(raw, rep)
		if err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}
