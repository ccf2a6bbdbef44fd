package pipeline

import (
	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
)

// Matrix expands leagues × seasons × table types into the ordered unit list.
// Units sharing a source page end up adjacent.
func Matrix(cat *almanac.Catalog, leagues []string, tables []almanac.TableType, seasons almanac.SeasonRange) []almanac.ScrapeUnit {
	if len(tables) == 0 {
		tables = almanac.AllTableTypes()
	}
	var out []almanac.ScrapeUnit
	for _, l := range leagues {
		for _, s := range cat.Seasons(l) {
			if !seasons.Contains(s) {
				continue
			}
			for _, tt := range tables {
				out = append(out, almanac.ScrapeUnit{League: l, TableType: tt, Season: s})
			}
		}
	}
	almanac.SortUnits(out)
	return out
}

// byTable groups units per destination table, keeping first-seen table order
// and unit order within each group.
func byTable(units []almanac.ScrapeUnit) [][]almanac.ScrapeUnit {
	idx := map[string]int{}
	var out [][]almanac.ScrapeUnit
	for _, u := range units {
		i, ok := idx[u.Table()]
		if !ok {
			i = len(out)
			idx[u.Table()] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], u)
	}
	return out
}
