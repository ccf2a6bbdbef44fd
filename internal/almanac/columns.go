package almanac

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindText Kind = iota
	KindInt
	KindReal
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindReal:
		return "real"
	default:
		return "text"
	}
}

type FieldSpec struct {
	Name     string
	Kind     Kind
	Required bool
}

type Layout int

const (
	LayoutLeaders     Layout = iota // statistic / player / team / value with rowspan continuations
	LayoutTeamLeaders               // statistic / team / value
	LayoutStandings
	LayoutGrid // one row per team under a banner header
)

// TableSpec is the canonical schema of one table type.
type TableSpec struct {
	Type     TableType
	Layout   Layout
	Fields   []FieldSpec
	Entity   string // field identifying the team or player
	Category string // stat category field, empty when the table has one row per entity
	Columns  ColumnMap
}

func (s TableSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

func (s TableSpec) FieldNames() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

func (s TableSpec) HasField(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// Era is one versioned slice of a ColumnMap. Zero From/To are open bounds and
// an empty Leagues list applies to every league.
type Era struct {
	Name      string
	From      int
	To        int
	Leagues   []string
	Aliases   map[string]string // normalised source label → canonical field
	Positions []string          // canonical field per cell position, for header-less rows
	Split     bool              // an extra split-season column follows the team
}

func (e Era) covers(league string, season int) bool {
	if e.From != 0 && season < e.From {
		return false
	}
	if e.To != 0 && season > e.To {
		return false
	}
	if len(e.Leagues) == 0 {
		return true
	}
	for _, l := range e.Leagues {
		if strings.EqualFold(l, league) {
			return true
		}
	}
	return false
}

// ColumnMap resolves schema drift: Base applies everywhere and each covering Era overlays it.
type ColumnMap struct {
	Base Era
	Eras []Era
}

// Mapping is a ColumnMap resolved for one (league, season).
type Mapping struct {
	Aliases   map[string]string
	Positions []string
	Split     bool
	Eras      []string
}

func (m ColumnMap) Resolve(league string, season int) Mapping {
	out := Mapping{Aliases: map[string]string{}, Positions: m.Base.Positions, Split: m.Base.Split}
	for k, v := range m.Base.Aliases {
		out.Aliases[k] = v
	}
	for _, e := range m.Eras {
		if !e.covers(league, season) {
			continue
		}
		out.Eras = append(out.Eras, e.Name)
		for k, v := range e.Aliases {
			out.Aliases[normLabel(k)] = v
		}
		if len(e.Positions) > 0 {
			out.Positions = e.Positions
		}
		if e.Split {
			out.Split = true
		}
	}
	return out
}

// Field maps a source header label to its canonical field.
func (m Mapping) Field(label string) (string, bool) {
	f, ok := m.Aliases[normLabel(label)]
	return f, ok
}

func normLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " ")))
	if i := strings.IndexByte(s, '('); i > 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.ReplaceAll(s, ".", "")
	return strings.Join(strings.Fields(s), " ")
}

func aliases(pairs ...string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[normLabel(pairs[i])] = pairs[i+1]
	}
	return m
}

func ints(names ...string) []FieldSpec {
	out := make([]FieldSpec, len(names))
	for i, n := range names {
		out[i] = FieldSpec{Name: n, Kind: KindInt}
	}
	return out
}

func join(parts ...[]FieldSpec) []FieldSpec {
	var out []FieldSpec
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var (
	leaderFields = []FieldSpec{
		{Name: "statistic", Kind: KindText, Required: true},
		{Name: "player", Kind: KindText, Required: true},
		{Name: "team", Kind: KindText},
		{Name: "value", Kind: KindReal},
	}
	teamLeaderFields = []FieldSpec{
		{Name: "statistic", Kind: KindText, Required: true},
		{Name: "team", Kind: KindText, Required: true},
		{Name: "value", Kind: KindReal},
	}
	teamField = FieldSpec{Name: "team", Kind: KindText, Required: true}
)

var specs = map[TableType]TableSpec{
	PlayerHittingLeaders: {
		Type: PlayerHittingLeaders, Layout: LayoutLeaders, Fields: leaderFields,
		Entity: "player", Category: "statistic",
		Columns: ColumnMap{Base: Era{Positions: []string{"statistic", "player", "team", "value"}}},
	},
	PitcherLeaders: {
		Type: PitcherLeaders, Layout: LayoutLeaders, Fields: leaderFields,
		Entity: "player", Category: "statistic",
		Columns: ColumnMap{Base: Era{Positions: []string{"statistic", "player", "team", "value"}}},
	},
	TeamHittingLeaders: {
		Type: TeamHittingLeaders, Layout: LayoutTeamLeaders, Fields: teamLeaderFields,
		Entity: "team", Category: "statistic",
		Columns: ColumnMap{Base: Era{Positions: []string{"statistic", "team", "value"}}},
	},
	TeamPitchingLeaders: {
		Type: TeamPitchingLeaders, Layout: LayoutTeamLeaders, Fields: teamLeaderFields,
		Entity: "team", Category: "statistic",
		Columns: ColumnMap{Base: Era{Positions: []string{"statistic", "team", "value"}}},
	},
	TeamStandings: {
		Type: TeamStandings, Layout: LayoutStandings,
		Fields: join(
			[]FieldSpec{{Name: "division", Kind: KindText}, teamField},
			ints("wins", "losses", "ties"),
			[]FieldSpec{{Name: "wp", Kind: KindReal}, {Name: "gb", Kind: KindReal}, {Name: "payroll", Kind: KindReal}},
		),
		Entity: "team",
		Columns: ColumnMap{
			Base: Era{
				Aliases: aliases(
					"Team", "team", "Club", "team", "W", "wins", "Wins", "wins", "Won", "wins",
					"L", "losses", "Losses", "losses", "Lost", "losses",
					"T", "ties", "Ties", "ties", "Tied", "ties",
					"WP", "wp", "Pct", "wp", "Win %", "wp",
					"GB", "gb", "Games Behind", "gb", "Payroll", "payroll",
				),
				Positions: []string{"team", "wins", "losses", "wp", "gb"},
			},
			Eras: []Era{
				{Name: "split-1892", From: 1892, To: 1892, Leagues: []string{"NL"}, Split: true},
				{Name: "split-1981", From: 1981, To: 1981, Leagues: []string{"AL", "NL"}, Split: true},
			},
		},
	},
	TeamHittingComplete: {
		Type: TeamHittingComplete, Layout: LayoutGrid,
		Fields: join(
			[]FieldSpec{teamField},
			ints("g", "ab", "r", "h", "doubles", "triples", "hr", "rbi", "bb", "so", "sb", "cs"),
			[]FieldSpec{{Name: "avg", Kind: KindReal}, {Name: "obp", Kind: KindReal}, {Name: "slg", Kind: KindReal}, {Name: "ops", Kind: KindReal}},
		),
		Entity: "team",
		Columns: ColumnMap{Base: Era{Aliases: aliases(
			"Team", "team", "G", "g", "AB", "ab", "R", "r", "H", "h", "2B", "doubles", "3B", "triples",
			"HR", "hr", "RBI", "rbi", "BB", "bb", "SO", "so", "K", "so", "SB", "sb", "CS", "cs",
			"AVG", "avg", "BA", "avg", "OBP", "obp", "SLG", "slg", "OPS", "ops",
		)}},
	},
	TeamPitchingComplete: {
		Type: TeamPitchingComplete, Layout: LayoutGrid,
		Fields: join(
			[]FieldSpec{teamField},
			ints("w", "l"),
			[]FieldSpec{{Name: "era", Kind: KindReal}},
			ints("g", "cg", "sho", "sv", "svo"),
			[]FieldSpec{{Name: "ip", Kind: KindReal}},
			ints("ha", "r", "er", "hr", "hbp", "bb", "so"),
		),
		Entity: "team",
		Columns: ColumnMap{
			Base: Era{Aliases: aliases(
				"Team", "team", "W", "w", "L", "l", "ERA", "era", "G", "g", "CG", "cg", "SHO", "sho",
				"SV", "sv", "SVO", "svo", "IP", "ip", "HA", "ha", "R", "r", "ER", "er", "HR", "hr",
				"HBP", "hbp", "BB", "bb", "SO", "so",
			)},
			Eras: []Era{
				// these seasons label hits allowed and shutouts differently
				{Name: "pitching-2002-2004", From: 2002, To: 2004, Aliases: map[string]string{"H": "ha", "SH": "sho"}},
			},
		},
	},
}

func SpecFor(t TableType) (TableSpec, error) {
	s, ok := specs[t]
	if !ok {
		return TableSpec{}, fmt.Errorf("no table spec for %q", t)
	}
	return s, nil
}

// MustSpec is for callers holding a TableType that already passed ParseTableType.
func MustSpec(t TableType) TableSpec {
	s, err := SpecFor(t)
	if err != nil {
		panic(err)
	}
	return s
}
