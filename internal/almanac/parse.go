package almanac

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tyler180/baseball-almanac-backends/internal/logger"
)

// ErrTableNotFound means the page loaded but this season has no such table.
var ErrTableNotFound = errors.New("table not present on page")

// HasTables is the readiness check for a year page: it is only usable once
// at least one stat table has rendered.
func HasTables(body []byte) bool {
	return bytes.Contains(body, []byte("ba-table"))
}

type Extractor struct {
	log logger.Logger
}

func NewExtractor(log logger.Logger) *Extractor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Extractor{log: log}
}

// Extract yields the unit's rows in source order. The sequence is lazy and
// restartable: every range over it re-parses body.
func (e *Extractor) Extract(body []byte, sourceURL string, unit ScrapeUnit) iter.Seq2[RawRow, error] {
	return func(yield func(RawRow, error) bool) {
		spec, err := SpecFor(unit.TableType)
		if err != nil {
			yield(RawRow{}, err)
			return
		}
		doc, err := prepareDoc(body)
		if err != nil {
			yield(RawRow{}, fmt.Errorf("%s: %w", unit, err))
			return
		}
		tbl := findTable(doc, unit.TableType)
		if tbl == nil {
			yield(RawRow{}, fmt.Errorf("%s: %w", unit, ErrTableNotFound))
			return
		}

		m := spec.Columns.Resolve(unit.League, unit.Season)
		log := e.log.With(
			logger.String("unit", unit.String()),
			logger.Strings("eras", m.Eras),
		)

		ordinal := 0
		emit := func(vals map[string]string) bool {
			row := RawRow{Unit: unit, SourceURL: sourceURL, Ordinal: ordinal, Values: make(map[string]*string, len(spec.Fields))}
			for _, f := range spec.Fields {
				row.Values[f.Name] = strPtr(strings.TrimSpace(vals[f.Name]))
			}
			ordinal++
			return yield(row, nil)
		}

		switch spec.Layout {
		case LayoutLeaders:
			leaderRows(tbl, m, emit)
		case LayoutTeamLeaders:
			teamLeaderRows(tbl, m, emit)
		case LayoutStandings:
			standingsRows(tbl, m, log, emit)
		case LayoutGrid:
			if err := gridRows(tbl, m, log, emit); err != nil {
				yield(RawRow{}, fmt.Errorf("%s: %w", unit, err))
			}
		}
	}
}

// Collect drains a sequence, stopping at the first error.
func Collect(seq iter.Seq2[RawRow, error]) ([]RawRow, error) {
	var out []RawRow
	for row, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}

func prepareDoc(body []byte) (*goquery.Document, error) {
	// some tables are shipped inside HTML comments
	html := strings.ReplaceAll(string(body), "<!--", "")
	html = strings.ReplaceAll(html, "-->", "")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func findTable(doc *goquery.Document, want TableType) *goquery.Selection {
	var found *goquery.Selection
	doc.Find(".ba-table").EachWithBreak(func(_ int, tbl *goquery.Selection) bool {
		if t, ok := classify(tbl); ok && t == want {
			found = tbl
			return false
		}
		return true
	})
	return found
}

func classify(tbl *goquery.Selection) (TableType, bool) {
	title := cellText(tbl.Find("h2").First())
	sub := cellText(tbl.Find("td.header p").First())
	if sub == "" {
		sub = cellText(tbl.Find("td.header").First())
	}
	switch {
	case strings.Contains(title, "Player Review"):
		return PlayerHittingLeaders, true
	case strings.Contains(title, "Pitcher Review"):
		return PitcherLeaders, true
	case strings.Contains(title, "Team Standings"):
		return TeamStandings, true
	case strings.Contains(title, "Team Review"):
		cols := headerRow(tbl).ChildrenFiltered("td").Length()
		hitting, pitching := strings.Contains(sub, "Hitting"), strings.Contains(sub, "Pitching")
		switch {
		case cols == 3 && hitting:
			return TeamHittingLeaders, true
		case cols == 3 && pitching:
			return TeamPitchingLeaders, true
		case cols > 10 && hitting:
			return TeamHittingComplete, true
		case cols > 10 && pitching:
			return TeamPitchingComplete, true
		}
	case strings.Contains(title, "League") && strings.Contains(tbl.Text(), "Team Standings"):
		return TeamStandings, true
	}
	return "", false
}

// -------------------- layouts --------------------

func leaderRows(tbl *goquery.Selection, m Mapping, emit func(map[string]string) bool) {
	var (
		stat, value string
		continuing  bool // the held row's player spans further team rows
		held        map[string]string
	)
	flush := func() bool {
		if held == nil {
			return true
		}
		h := held
		held = nil
		return emit(h)
	}

	rows := tbl.Find("tr")
	for i := range rows.Length() {
		tr := rows.Eq(i)
		cells := tr.ChildrenFiltered("td")
		if skipRow(tr, cells) {
			continue
		}
		texts := cellTexts(cells)
		switch n := len(texts); {
		case n >= 4 && cells.First().HasClass("datacolBlue"):
			if !flush() {
				return
			}
			held = byPosition(m.Positions, texts)
			held["player"] = stripMarkers(held["player"])
			held["value"] = stripMarkers(held["value"])
			stat, value = held["statistic"], held["value"]
			continuing = rowspan(cells.Eq(1)) > 1
		case n == 2 && stat != "":
			// tie: another player sharing the leading value
			if !flush() {
				return
			}
			held = map[string]string{"statistic": stat, "player": stripMarkers(texts[0]), "team": texts[1], "value": value}
			continuing = rowspan(cells.Eq(0)) > 1
		case n == 1 && held != nil && continuing:
			if held["team"] == "" {
				held["team"] = texts[0]
			} else {
				held["team"] += "/" + texts[0]
			}
		case n == 3 && stat != "":
			if !flush() {
				return
			}
			held = map[string]string{"statistic": stat, "player": stripMarkers(texts[0]), "team": texts[1], "value": stripMarkers(texts[2])}
			continuing = rowspan(cells.Eq(0)) > 1
		}
	}
	flush()
}

func teamLeaderRows(tbl *goquery.Selection, m Mapping, emit func(map[string]string) bool) {
	rows := tbl.Find("tr")
	for i := range rows.Length() {
		tr := rows.Eq(i)
		cells := tr.ChildrenFiltered("td")
		if skipRow(tr, cells) || cells.Length() < 3 || !cells.First().HasClass("datacolBlue") {
			continue
		}
		vals := byPosition(m.Positions, cellTexts(cells))
		if vals["statistic"] == "" {
			continue
		}
		vals["value"] = stripMarkers(vals["value"])
		if !emit(vals) {
			return
		}
	}
}

var splitTokens = map[string]bool{"Final": true, "1st Half": true, "2nd Half": true, "(a)": true, "(b)": true}

func standingsRows(tbl *goquery.Selection, m Mapping, log logger.Logger, emit func(map[string]string) bool) {
	// a lone banner cell is a title, not column labels
	labels := headerLabels(tbl)
	useLabels := len(labels) > 1
	var byIdx []string
	if useLabels {
		var unmapped []string
		byIdx, _, unmapped = mapLabels(labels, m)
		for _, label := range unmapped {
			log.Warn("unmapped column dropped", logger.String("label", label))
		}
	}

	division := ""
	rows := tbl.Find("tr")
	for i := range rows.Length() {
		tr := rows.Eq(i)
		cells := tr.ChildrenFiltered("td")
		if cells.Length() == 0 {
			continue
		}
		first := cells.First()
		if _, ok := first.Attr("rowspan"); ok && isDivision(cellText(first)) {
			division = cellText(first)
			if cells.Length() == 1 {
				continue
			}
			// the division cell may share its row with the first team
			cells = cells.Slice(1, goquery.ToEnd)
			first = cells.First()
		}
		if skipRow(tr, cells) {
			continue
		}
		link := first.Find("a").First()
		if link.Length() == 0 {
			continue
		}
		team := stripMarkers(cellText(link))
		if team == "" || isEventRow(team) {
			continue
		}

		texts := cellTexts(cells)
		off := 0
		if m.Split && len(texts) > 1 && splitTokens[texts[1]] {
			if texts[1] != "Final" {
				continue
			}
			off = 1
		}

		vals := map[string]string{"division": division, "team": team}
		if useLabels {
			for j := 1; j < len(texts) && j < len(byIdx); j++ {
				if f := byIdx[j]; f != "" && f != "team" {
					vals[f] = texts[j]
				}
			}
		} else {
			positionalStandings(texts[1+off:], vals)
		}
		switch vals["gb"] {
		case "--", "-", "—":
			vals["gb"] = "0"
		}
		if !emit(vals) {
			return
		}
	}
	if !useLabels {
		log.Debug("standings mapped by position")
	}
}

// positionalStandings fills W, L, [T], WP, GB and a trailing payroll from the
// cells after the team. A ties column is present when an integral cell is
// followed by a rate.
func positionalStandings(rest []string, vals map[string]string) {
	if len(rest) < 2 {
		return
	}
	vals["wins"], vals["losses"] = rest[0], rest[1]
	var tail []string
	switch {
	case len(rest) >= 5 && isIntegral(rest[2]) && isRate(rest[3]):
		vals["ties"], vals["wp"], vals["gb"] = rest[2], rest[3], rest[4]
		tail = rest[5:]
	case len(rest) >= 4:
		vals["wp"], vals["gb"] = rest[2], rest[3]
		tail = rest[4:]
	case len(rest) == 3:
		vals["wp"] = rest[2]
	}
	for _, t := range tail {
		if strings.HasPrefix(t, "$") {
			vals["payroll"] = t
			break
		}
	}
}

func gridRows(tbl *goquery.Selection, m Mapping, log logger.Logger, emit func(map[string]string) bool) error {
	labels := headerLabels(tbl)
	if len(labels) == 0 {
		return fmt.Errorf("grid without header row: %w", ErrTableNotFound)
	}
	byIdx, _, unmapped := mapLabels(labels, m)
	for _, label := range unmapped {
		log.Warn("unmapped column dropped", logger.String("label", label))
	}

	rows := tbl.Find("tr")
	for i := range rows.Length() {
		tr := rows.Eq(i)
		cells := tr.ChildrenFiltered("td")
		if cells.Length() < 3 || skipRow(tr, cells) {
			continue
		}
		first := cells.First()
		team := cellText(first.Find("a").First())
		if team == "" {
			team = cellText(first)
		}
		team = stripMarkers(team)
		if team == "" || isEventRow(team) {
			continue
		}
		texts := cellTexts(cells)
		vals := map[string]string{"team": team}
		for j := 1; j < len(texts) && j < len(byIdx); j++ {
			if f := byIdx[j]; f != "" && f != "team" {
				vals[f] = texts[j]
			}
		}
		if !emit(vals) {
			return nil
		}
	}
	return nil
}

// -------------------- cell helpers --------------------

func headerRow(tbl *goquery.Selection) *goquery.Selection {
	return tbl.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.ChildrenFiltered("td.banner").Length() > 0
	}).First()
}

func headerLabels(tbl *goquery.Selection) []string {
	row := headerRow(tbl)
	if row.Length() == 0 {
		return nil
	}
	return cellTexts(row.ChildrenFiltered("td"))
}

// mapLabels resolves header labels to canonical fields by position.
func mapLabels(labels []string, m Mapping) (byIdx []string, mapped int, unmapped []string) {
	byIdx = make([]string, len(labels))
	for i, label := range labels {
		if label == "" {
			continue
		}
		if f, ok := m.Field(label); ok {
			byIdx[i] = f
			mapped++
			continue
		}
		unmapped = append(unmapped, label)
	}
	return byIdx, mapped, unmapped
}

func byPosition(positions []string, texts []string) map[string]string {
	vals := make(map[string]string, len(positions))
	for i, f := range positions {
		if i < len(texts) {
			vals[f] = texts[i]
		}
	}
	return vals
}

func skipRow(tr, cells *goquery.Selection) bool {
	if cells.Length() == 0 || tr.HasClass("grey") {
		return true
	}
	first := cells.First()
	return first.HasClass("grey") || first.HasClass("banner") || first.HasClass("header")
}

func isDivision(s string) bool {
	return s == "East" || s == "Central" || s == "West"
}

func isEventRow(name string) bool {
	return strings.Contains(name, "All-Star") || strings.Contains(name, "World Series") || strings.Contains(name, "Seasonal Events")
}

func cellText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func cellTexts(cells *goquery.Selection) []string {
	out := make([]string, cells.Length())
	cells.Each(func(i int, c *goquery.Selection) {
		out[i] = cellText(c)
	})
	return out
}

func rowspan(cell *goquery.Selection) int {
	v, ok := cell.Attr("rowspan")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

// stripMarkers removes footnote glyphs attached to a value.
func stripMarkers(s string) string {
	return strings.TrimSpace(strings.Trim(s, "*†‡+# "))
}

func isIntegral(s string) bool {
	_, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil
}

func isRate(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ".") {
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && f >= 0 && f <= 1
}
