package clean

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

const maxConflictSamples = 50

// QualityReport accumulates what cleaning and dedup did to one or more units.
type QualityReport struct {
	Table   string
	RowsIn  int
	RowsOut int
	Dropped map[string]int

	ExactDuplicates int
	Conflicts       int
	ConflictSamples []string

	NullsBefore map[string]int
	NullsAfter  map[string]int

	PlaceholdersNulled  int
	DecorationsStripped int
	FractionsFixed      int
	Rescaled            int

	// Anomalies counts distinct unparseable tokens keyed "field:token".
	Anomalies map[string]int
}

func NewReport(table string) *QualityReport {
	return &QualityReport{
		Table:       table,
		Dropped:     map[string]int{},
		NullsBefore: map[string]int{},
		NullsAfter:  map[string]int{},
		Anomalies:   map[string]int{},
	}
}

func (r *QualityReport) drop(reason string) { r.Dropped[reason]++ }

func (r *QualityReport) anomaly(field, token string) { r.Anomalies[field+":"+token]++ }

// Duplicate records a dedup decision. An accepted exact duplicate no longer
// counts as an output row.
func (r *QualityReport) Duplicate(exact bool, detail string) {
	r.RowsOut--
	if exact {
		r.ExactDuplicates++
		return
	}
	r.Conflicts++
	if len(r.ConflictSamples) < maxConflictSamples {
		r.ConflictSamples = append(r.ConflictSamples, detail)
	}
}

func (r *QualityReport) DroppedTotal() int {
	n := 0
	for _, c := range r.Dropped {
		n += c
	}
	return n
}

func (r *QualityReport) Merge(o *QualityReport) {
	if o == nil {
		return
	}
	r.RowsIn += o.RowsIn
	r.RowsOut += o.RowsOut
	r.ExactDuplicates += o.ExactDuplicates
	r.Conflicts += o.Conflicts
	r.PlaceholdersNulled += o.PlaceholdersNulled
	r.DecorationsStripped += o.DecorationsStripped
	r.FractionsFixed += o.FractionsFixed
	r.Rescaled += o.Rescaled
	for k, v := range o.Dropped {
		r.Dropped[k] += v
	}
	for k, v := range o.NullsBefore {
		r.NullsBefore[k] += v
	}
	for k, v := range o.NullsAfter {
		r.NullsAfter[k] += v
	}
	for k, v := range o.Anomalies {
		r.Anomalies[k] += v
	}
	for _, s := range o.ConflictSamples {
		if len(r.ConflictSamples) >= maxConflictSamples {
			break
		}
		r.ConflictSamples = append(r.ConflictSamples, s)
	}
}

func (r *QualityReport) Summary() string {
	return fmt.Sprintf("%s: in=%d out=%d dropped=%d dup=%d conflicts=%d nulled=%d stripped=%d fractions=%d rescaled=%d",
		r.Table, r.RowsIn, r.RowsOut, r.DroppedTotal(), r.ExactDuplicates, r.Conflicts,
		r.PlaceholdersNulled, r.DecorationsStripped, r.FractionsFixed, r.Rescaled)
}

// Render writes the report as tables.
func (r *QualityReport) Render(w io.Writer) {
	// heading sits outside the table; titles wrap at the table width
	fmt.Fprintf(w, "Quality report %s\n", r.Table)
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Metric", "Count"})
	t.AppendRows([]table.Row{
		{"rows in", r.RowsIn},
		{"rows out", r.RowsOut},
		{"dropped", r.DroppedTotal()},
		{"exact duplicates", r.ExactDuplicates},
		{"conflicting duplicates", r.Conflicts},
		{"placeholders nulled", r.PlaceholdersNulled},
		{"decorations stripped", r.DecorationsStripped},
		{"fractions fixed", r.FractionsFixed},
		{"rescaled rates", r.Rescaled},
	})
	t.SetStyle(table.StyleRounded)
	t.Render()

	if len(r.Dropped) > 0 {
		renderCounts(w, "Dropped rows", "Reason", r.Dropped)
	}
	if len(r.NullsBefore)+len(r.NullsAfter) > 0 {
		nt := table.NewWriter()
		nt.SetOutputMirror(w)
		nt.SetTitle("Nulls per field")
		nt.AppendHeader(table.Row{"Field", "Before", "After"})
		for _, f := range sortedKeys(r.NullsBefore, r.NullsAfter) {
			nt.AppendRow(table.Row{f, r.NullsBefore[f], r.NullsAfter[f]})
		}
		nt.SetStyle(table.StyleRounded)
		nt.Render()
	}
	if len(r.Anomalies) > 0 {
		renderCounts(w, "Unparseable tokens", "Field:token", r.Anomalies)
	}
	if len(r.ConflictSamples) > 0 {
		fmt.Fprintf(w, "conflicts (first %d):\n  %s\n", len(r.ConflictSamples), strings.Join(r.ConflictSamples, "\n  "))
	}
}

func renderCounts(w io.Writer, title, label string, m map[string]int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.AppendHeader(table.Row{label, "Count"})
	for _, k := range sortedKeys(m) {
		t.AppendRow(table.Row{k, m[k]})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func sortedKeys(ms ...map[string]int) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range ms {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}
