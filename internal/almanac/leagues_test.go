package almanac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const menuPage = `<html><body><table>
<tr><td class="banner">Year-by-Year Baseball History</td></tr>
<tr><td class="banner">The History of the American League From 1901 to 2025</td></tr>
<tr><td class="datacolBox"><table class="ba-sub"><tr>
  <td><a href="yearly/yr1901a.shtml">1901</a></td>
  <td class="grey">1902</td>
  <td>0000</td>
  <td><a href="/yearly/yr1950a.shtml">1950</a></td>
</tr></table></td></tr>
<tr><td class="banner">The History of the Federal League From 1914 to 1915</td></tr>
<tr><td class="datacolBox"><table class="ba-sub"><tr>
  <td><a href="https://www.baseball-almanac.com/yearly/yr1914f.shtml">1914</a></td>
</tr></table></td></tr>
</table></body></html>`

func TestParseMenu(t *testing.T) {
	cat, err := ParseMenu([]byte(menuPage), DefaultBaseURL)
	require.NoError(t, err)

	assert.Equal(t, []int{1901, 1950}, cat.Seasons("AL"))
	assert.Equal(t, []int{1914}, cat.Seasons("FL"))
	assert.Equal(t, "https://www.baseball-almanac.com/yearly/yr1901a.shtml",
		cat.URL(ScrapeUnit{League: "AL", TableType: TeamStandings, Season: 1901}))
	assert.Equal(t, "https://www.baseball-almanac.com/yearly/yr1950a.shtml",
		cat.URL(ScrapeUnit{League: "AL", TableType: TeamStandings, Season: 1950}))
}

func TestParseMenu_NoLeagues(t *testing.T) {
	_, err := ParseMenu([]byte(`<html><body>maintenance</body></html>`), DefaultBaseURL)
	require.Error(t, err)
}

func TestCatalog_Fallbacks(t *testing.T) {
	cat := NewCatalog("")
	assert.Equal(t, "https://www.baseball-almanac.com/yearly/yr1950n.shtml",
		cat.URL(ScrapeUnit{League: "NL", TableType: TeamStandings, Season: 1950}))
	assert.Equal(t, "https://www.baseball-almanac.com/yearly/yr1950n_2.shtml",
		cat.URL(ScrapeUnit{League: "NL", TableType: TeamStandings, Season: 1950, Page: 2}))

	seasons := cat.Seasons("AA")
	require.Len(t, seasons, 10)
	assert.Equal(t, 1882, seasons[0])
	assert.Equal(t, 1891, seasons[9])
	assert.Nil(t, cat.Seasons("XX"))
}

func TestColumnMap_Resolve(t *testing.T) {
	spec := MustSpec(TeamPitchingComplete)

	m := spec.Columns.Resolve("NL", 2002)
	f, ok := m.Field("H")
	require.True(t, ok)
	assert.Equal(t, "ha", f)
	assert.Equal(t, []string{"pitching-2002-2004"}, m.Eras)

	m = spec.Columns.Resolve("NL", 2005)
	_, ok = m.Field("H")
	assert.False(t, ok)
	f, ok = m.Field(" ha ")
	require.True(t, ok)
	assert.Equal(t, "ha", f)

	st := MustSpec(TeamStandings)
	assert.True(t, st.Columns.Resolve("NL", 1892).Split)
	assert.False(t, st.Columns.Resolve("AL", 1892).Split)
	assert.True(t, st.Columns.Resolve("AL", 1981).Split)
}

func TestUnitKeyRoundTrip(t *testing.T) {
	u := ScrapeUnit{League: "NL", TableType: PitcherLeaders, Season: 1950, Page: 1}
	got, err := ParseUnitKey(u.Key())
	require.NoError(t, err)
	assert.Equal(t, u, got)
	assert.Equal(t, "nl_pitcher_leaders", u.Table())

	_, err = ParseUnitKey("NL#x")
	assert.Error(t, err)
}

func TestParseSeasonRange(t *testing.T) {
	r, err := ParseSeasonRange("1950-1955")
	require.NoError(t, err)
	assert.True(t, r.Contains(1950))
	assert.True(t, r.Contains(1955))
	assert.False(t, r.Contains(1956))

	r, err = ParseSeasonRange("1950")
	require.NoError(t, err)
	assert.Equal(t, SeasonRange{From: 1950, To: 1950}, r)

	r, err = ParseSeasonRange("")
	require.NoError(t, err)
	assert.True(t, r.IsZero())
	assert.True(t, r.Contains(1876))

	_, err = ParseSeasonRange("1960-1950")
	assert.ErrorIs(t, err, ErrBadSeasonRange)
}
