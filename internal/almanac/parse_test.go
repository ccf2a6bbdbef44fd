package almanac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tyler180/baseball-almanac-backends/internal/logger"
)

const leadersPage = `<html><body>
<div class="ba-table"><table>
<tr><td class="header" colspan="5"><h2>1950 American League Player Review</h2><p>Hitting Statistics League Leaderboard</p></td></tr>
<tr><td class="banner">Statistic</td><td class="banner">Name(s)</td><td class="banner">Team(s)</td><td class="banner">#</td><td class="banner">Top 25</td></tr>
<tr><td class="datacolBlue">Batting Average</td><td class="datacolBox"><a href="/p/goodmbi01">Billy Goodman*</a></td><td class="datacolBox">Boston</td><td class="datacolBox">.354</td><td class="datacolBox">Top 25</td></tr>
<tr><td class="datacolBlue">Home Runs</td><td class="datacolBox" rowspan="2">Al Rosen</td><td class="datacolBox">Cleveland</td><td class="datacolBox" rowspan="3">37</td><td class="datacolBox" rowspan="3">Top 25</td></tr>
<tr><td class="datacolBox">Detroit</td></tr>
<tr><td class="datacolBox">Walt Dropo</td><td class="datacolBox">Boston</td></tr>
<tr class="grey"><td class="datacolBlue">Saves</td><td>Data Not Kept</td><td></td><td></td><td></td></tr>
</table></div>
</body></html>`

const standingsPage = `<html><body>
<!--
<div class="ba-table"><table>
<tr><td class="header" colspan="7"><h2>1950 American League Team Standings</h2></td></tr>
<tr><td class="banner" colspan="7">Team Standings</td></tr>
<tr><td class="datacolBox"><a href="/t/nya">New York Yankees</a></td><td>98</td><td>56</td><td>1</td><td>.636</td><td>--</td><td>$1,234,000</td></tr>
<tr><td class="datacolBox"><a href="/t/det">Detroit Tigers</a></td><td>95</td><td>59</td><td>3</td><td>.617</td><td>3</td><td></td></tr>
<tr><td class="datacolBox"><a href="/ws/1950">1950 World Series</a></td><td>4</td><td>0</td><td></td><td></td><td></td><td></td></tr>
</table></div>
-->
</body></html>`

const splitStandingsPage = `<html><body>
<div class="ba-table"><table>
<tr><td class="header" colspan="7"><h2>1981 American League Team Standings</h2></td></tr>
<tr><td rowspan="3">West</td><td><a href="/t/oak">Oakland Athletics</a></td><td>Final</td><td>64</td><td>45</td><td>.587</td><td>--</td></tr>
<tr><td><a href="/t/oak">Oakland Athletics</a></td><td>1st Half</td><td>37</td><td>23</td><td>.617</td><td>--</td></tr>
<tr><td><a href="/t/tex">Texas Rangers</a></td><td>Final</td><td>57</td><td>48</td><td>.543</td><td>5</td></tr>
</table></div>
</body></html>`

const pitchingGridPage = `<html><body>
<div class="ba-table"><table>
<tr><td class="header" colspan="19"><h2>2003 American League Team Review</h2><p>Team Pitching Statistics</p></td></tr>
<tr><td class="banner">Team</td><td class="banner">W</td><td class="banner">L</td><td class="banner">ERA</td><td class="banner">G</td><td class="banner">CG</td><td class="banner">SH</td><td class="banner">SV</td><td class="banner">SVO</td><td class="banner">IP</td><td class="banner">H</td><td class="banner">R</td><td class="banner">ER</td><td class="banner">HR</td><td class="banner">HBP</td><td class="banner">BB</td><td class="banner">SO</td><td class="banner">WHIP</td></tr>
<tr><td class="datacolBox"><a href="/t/sea">Seattle Mariners</a></td><td>93</td><td>69</td><td>3.76</td><td>162</td><td>8</td><td>15</td><td>38</td><td>59</td><td>1,456.2</td><td>1,340</td><td>637</td><td>608</td><td>173</td><td>40</td><td>466</td><td>1,001</td><td>1.24</td></tr>
<tr><td class="datacolBox"><a href="/t/tex">Texas Rangers</a></td><td>71</td><td>91</td><td>5.67</td></tr>
<tr><td class="datacolBox">Seasonal Events</td><td>x</td><td>y</td><td>z</td></tr>
</table></div>
</body></html>`

const teamLeadersPage = `<html><body>
<div class="ba-table"><table>
<tr><td class="header" colspan="3"><h2>1901 American League Team Review</h2><p>Team Hitting Statistics</p></td></tr>
<tr><td class="banner">Statistic</td><td class="banner">Team</td><td class="banner">#</td></tr>
<tr><td class="datacolBlue">Runs</td><td class="datacolBox">Chicago</td><td class="datacolBox">819</td></tr>
<tr><td class="datacolBlue">Home Runs</td><td class="datacolBox">Philadelphia</td><td class="datacolBox">35*</td></tr>
</table></div>
</body></html>`

func extractAll(t *testing.T, page string, u ScrapeUnit) []RawRow {
	t.Helper()
	rows, err := Collect(NewExtractor(nil).Extract([]byte(page), "https://example.test/page", u))
	require.NoError(t, err)
	return rows
}

func val(r RawRow, f string) string {
	v, _ := r.Get(f)
	return v
}

func TestExtract_LeadersContinuationsAndTies(t *testing.T) {
	u := ScrapeUnit{League: "AL", TableType: PlayerHittingLeaders, Season: 1950}
	rows := extractAll(t, leadersPage, u)
	require.Len(t, rows, 3)

	assert.Equal(t, "Batting Average", val(rows[0], "statistic"))
	assert.Equal(t, "Billy Goodman", val(rows[0], "player"))
	assert.Equal(t, ".354", val(rows[0], "value"))

	assert.Equal(t, "Al Rosen", val(rows[1], "player"))
	assert.Equal(t, "Cleveland/Detroit", val(rows[1], "team"))
	assert.Equal(t, "37", val(rows[1], "value"))

	assert.Equal(t, "Walt Dropo", val(rows[2], "player"))
	assert.Equal(t, "Home Runs", val(rows[2], "statistic"))
	assert.Equal(t, "37", val(rows[2], "value"))

	for i, r := range rows {
		assert.Equal(t, i, r.Ordinal)
		assert.Equal(t, u, r.Unit)
		assert.Equal(t, "https://example.test/page", r.SourceURL)
	}
}

func TestExtract_StandingsPositionalWithTiesAndPayroll(t *testing.T) {
	rows := extractAll(t, standingsPage, ScrapeUnit{League: "AL", TableType: TeamStandings, Season: 1950})
	require.Len(t, rows, 2)

	nyy := rows[0]
	assert.Equal(t, "New York Yankees", val(nyy, "team"))
	assert.Equal(t, "98", val(nyy, "wins"))
	assert.Equal(t, "1", val(nyy, "ties"))
	assert.Equal(t, ".636", val(nyy, "wp"))
	assert.Equal(t, "0", val(nyy, "gb"))
	assert.Equal(t, "$1,234,000", val(nyy, "payroll"))

	det := rows[1]
	assert.Equal(t, "3", val(det, "gb"))
	assert.Nil(t, det.Values["payroll"], "missing payroll must be an explicit null")
	assert.Nil(t, det.Values["division"])
}

func TestExtract_SplitSeasonKeepsFinalOnly(t *testing.T) {
	rows := extractAll(t, splitStandingsPage, ScrapeUnit{League: "AL", TableType: TeamStandings, Season: 1981})
	require.Len(t, rows, 2)
	assert.Equal(t, "Oakland Athletics", val(rows[0], "team"))
	assert.Equal(t, "West", val(rows[0], "division"))
	assert.Equal(t, "64", val(rows[0], "wins"))
	assert.Equal(t, ".587", val(rows[0], "wp"))
	assert.Equal(t, "Texas Rangers", val(rows[1], "team"))
	assert.Equal(t, "5", val(rows[1], "gb"))
}

func TestExtract_GridUsesEraAliasesAndDropsUnmapped(t *testing.T) {
	rows := extractAll(t, pitchingGridPage, ScrapeUnit{League: "AL", TableType: TeamPitchingComplete, Season: 2003})
	require.Len(t, rows, 2)

	sea := rows[0]
	assert.Equal(t, "1,340", val(sea, "ha"), "H maps to hits allowed in 2002-2004")
	assert.Equal(t, "15", val(sea, "sho"), "SH maps to shutouts in 2002-2004")
	assert.Equal(t, "1,456.2", val(sea, "ip"))
	_, hasWHIP := sea.Values["whip"]
	assert.False(t, hasWHIP)

	tex := rows[1]
	assert.Equal(t, "5.67", val(tex, "era"))
	assert.Nil(t, tex.Values["so"])
}

func TestExtract_GridOutsideEraLeavesHitsAllowedNull(t *testing.T) {
	rows := extractAll(t, pitchingGridPage, ScrapeUnit{League: "AL", TableType: TeamPitchingComplete, Season: 1999})
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].Values["ha"])
	assert.Nil(t, rows[0].Values["sho"])
}

func TestExtract_TeamLeaders(t *testing.T) {
	rows := extractAll(t, teamLeadersPage, ScrapeUnit{League: "AL", TableType: TeamHittingLeaders, Season: 1901})
	require.Len(t, rows, 2)
	assert.Equal(t, "Chicago", val(rows[0], "team"))
	assert.Equal(t, "35", val(rows[1], "value"))
}

func TestExtract_MissingTableIsStructural(t *testing.T) {
	_, err := Collect(NewExtractor(nil).Extract([]byte(standingsPage), "", ScrapeUnit{League: "AL", TableType: PitcherLeaders, Season: 1950}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTableNotFound))
}

func TestExtract_SequenceIsRestartable(t *testing.T) {
	seq := NewExtractor(nil).Extract([]byte(leadersPage), "", ScrapeUnit{League: "AL", TableType: PlayerHittingLeaders, Season: 1950})

	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 3, count())
	assert.Equal(t, 3, count())

	// stopping early must not panic or leak state into the next range
	for range seq {
		break
	}
	assert.Equal(t, 3, count())
}

func TestHasTables(t *testing.T) {
	assert.True(t, HasTables([]byte(leadersPage)))
	assert.False(t, HasTables([]byte("<html><body>Please wait…</body></html>")))
}

func standingsWithHeader(labels ...string) string {
	head := ""
	for _, l := range labels {
		head += `<td class="banner">` + l + `</td>`
	}
	return `<html><body><div class="ba-table"><table>
<tr><td class="header" colspan="6"><h2>1950 American League Team Standings</h2></td></tr>
<tr>` + head + `</tr>
<tr><td class="datacolBox"><a href="/t/nya">New York Yankees</a></td><td>98</td><td>56</td><td>53-24</td><td>.636</td><td>--</td></tr>
</table></div></body></html>`
}

func TestExtract_StandingsHeaderMapsByLabel(t *testing.T) {
	page := standingsWithHeader("Club", "Won", "Lost", "Home", "Pct.", "GB")
	rows := extractAll(t, page, ScrapeUnit{League: "AL", TableType: TeamStandings, Season: 1950})
	require.Len(t, rows, 1)

	nyy := rows[0]
	assert.Equal(t, "New York Yankees", val(nyy, "team"))
	assert.Equal(t, "98", val(nyy, "wins"))
	assert.Equal(t, "56", val(nyy, "losses"))
	assert.Equal(t, ".636", val(nyy, "wp"), "an unknown column must not shift later values")
	assert.Equal(t, "0", val(nyy, "gb"))
	assert.Nil(t, nyy.Values["ties"])
}

func TestExtract_StandingsUnmappedColumnIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ex := NewExtractor(logger.FromZap(zap.New(core)))

	page := standingsWithHeader("Team", "W", "L", "Streak", "WP", "GB")
	rows, err := Collect(ex.Extract([]byte(page), "", ScrapeUnit{League: "AL", TableType: TeamStandings, Season: 1950}))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ".636", val(rows[0], "wp"))

	dropped := logs.FilterMessage("unmapped column dropped").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, "Streak", dropped[0].ContextMap()["label"])
}
