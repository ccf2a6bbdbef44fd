package almanac

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type TableType string

const (
	PlayerHittingLeaders TableType = "player_hitting_leaders"
	PitcherLeaders       TableType = "pitcher_leaders"
	TeamStandings        TableType = "team_standings"
	TeamHittingLeaders   TableType = "team_hitting_leaders"
	TeamPitchingLeaders  TableType = "team_pitching_leaders"
	TeamHittingComplete  TableType = "team_hitting_complete"
	TeamPitchingComplete TableType = "team_pitching_complete"
)

func AllTableTypes() []TableType {
	return []TableType{
		PlayerHittingLeaders, PitcherLeaders, TeamStandings,
		TeamHittingLeaders, TeamPitchingLeaders,
		TeamHittingComplete, TeamPitchingComplete,
	}
}

func ParseTableType(s string) (TableType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range AllTableTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown table type %q", s)
}

// ScrapeUnit is the atomic fetch target and the key everything is checkpointed under.
type ScrapeUnit struct {
	League    string    `json:"league"`
	TableType TableType `json:"table_type"`
	Season    int       `json:"season"`
	Page      int       `json:"page"`
}

// Key is stable across runs: LEAGUE#table_type#season#page.
func (u ScrapeUnit) Key() string {
	return fmt.Sprintf("%s#%s#%d#%d", u.League, u.TableType, u.Season, u.Page)
}

func (u ScrapeUnit) String() string {
	if u.Page > 0 {
		return fmt.Sprintf("%s/%s/%d/p%d", u.League, u.TableType, u.Season, u.Page)
	}
	return fmt.Sprintf("%s/%s/%d", u.League, u.TableType, u.Season)
}

// Table is the structured store table the unit loads into.
func (u ScrapeUnit) Table() string {
	return TableName(u.League, u.TableType)
}

// PageKey groups units that are served by the same source page.
func (u ScrapeUnit) PageKey() string {
	return fmt.Sprintf("%s#%d#%d", u.League, u.Season, u.Page)
}

func TableName(league string, t TableType) string {
	return strings.ToLower(league) + "_" + string(t)
}

func ParseUnitKey(k string) (ScrapeUnit, error) {
	parts := strings.Split(k, "#")
	if len(parts) != 4 {
		return ScrapeUnit{}, fmt.Errorf("malformed unit key %q", k)
	}
	season, err := strconv.Atoi(parts[2])
	if err != nil {
		return ScrapeUnit{}, fmt.Errorf("malformed unit key %q: %w", k, err)
	}
	page, err := strconv.Atoi(parts[3])
	if err != nil {
		return ScrapeUnit{}, fmt.Errorf("malformed unit key %q: %w", k, err)
	}
	return ScrapeUnit{League: parts[0], TableType: TableType(parts[1]), Season: season, Page: page}, nil
}

// SortUnits orders by league, season, page then table type so units sharing a page are adjacent.
func SortUnits(units []ScrapeUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.League != b.League {
			return a.League < b.League
		}
		if a.Season != b.Season {
			return a.Season < b.Season
		}
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		return a.TableType < b.TableType
	})
}

// RawRow is one extracted source row. A nil value is an explicit null.
type RawRow struct {
	Unit      ScrapeUnit
	SourceURL string
	Ordinal   int
	Values    map[string]*string
}

func (r RawRow) Get(field string) (string, bool) {
	v, ok := r.Values[field]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// SeasonRange is inclusive. The zero value matches every season.
type SeasonRange struct {
	From int
	To   int
}

func (r SeasonRange) IsZero() bool { return r.From == 0 && r.To == 0 }

func (r SeasonRange) Contains(season int) bool {
	if r.From != 0 && season < r.From {
		return false
	}
	if r.To != 0 && season > r.To {
		return false
	}
	return true
}

var ErrBadSeasonRange = errors.New("bad season range")

// ParseSeasonRange accepts "", "1950" or "1950-1960".
func ParseSeasonRange(s string) (SeasonRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SeasonRange{}, nil
	}
	from, to, found := strings.Cut(s, "-")
	a, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return SeasonRange{}, fmt.Errorf("%w: %q", ErrBadSeasonRange, s)
	}
	if !found {
		return SeasonRange{From: a, To: a}, nil
	}
	b, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return SeasonRange{}, fmt.Errorf("%w: %q", ErrBadSeasonRange, s)
	}
	if b < a {
		return SeasonRange{}, fmt.Errorf("%w: %q ends before it starts", ErrBadSeasonRange, s)
	}
	return SeasonRange{From: a, To: b}, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
