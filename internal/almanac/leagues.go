package almanac

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultBaseURL = "https://www.baseball-almanac.com"
	MenuPath       = "/yearmenu.shtml"
)

// League is one of the major leagues the almanac keeps year pages for.
// From/To are the seasons used when the year menu cannot be consulted.
type League struct {
	Code      string
	Name      string
	MenuTitle string // banner text prefix on the year menu
	Suffix    string // yearly page suffix, yr1950a.shtml
	From      int
	To        int
}

var leagues = []League{
	{"AL", "American League", "The History of the American League", "a", 1901, 2025},
	{"NL", "National League", "The History of the National League", "n", 1876, 2025},
	{"FL", "Federal League", "The History of the Federal League", "f", 1914, 1915},
	{"PL", "Players League", "The History of the Players League", "p", 1890, 1890},
	{"UA", "Union Association", "The History of the Union Association", "u", 1884, 1884},
	{"AA", "American Association", "The History of the American Association", "aa", 1882, 1891},
}

func AllLeagues() []League {
	out := make([]League, len(leagues))
	copy(out, leagues)
	return out
}

func LeagueByCode(code string) (League, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, l := range leagues {
		if l.Code == code {
			return l, true
		}
	}
	return League{}, false
}

func leagueByTitle(title string) (League, bool) {
	for _, l := range leagues {
		if strings.HasPrefix(title, l.MenuTitle) {
			return l, true
		}
	}
	return League{}, false
}

// Catalog maps league → season → year page URL.
type Catalog struct {
	base  string
	pages map[string]map[int]string
}

func NewCatalog(base string) *Catalog {
	if base == "" {
		base = DefaultBaseURL
	}
	return &Catalog{base: strings.TrimRight(base, "/"), pages: map[string]map[int]string{}}
}

func (c *Catalog) Add(league string, season int, pageURL string) {
	m, ok := c.pages[league]
	if !ok {
		m = map[int]string{}
		c.pages[league] = m
	}
	m[season] = pageURL
}

// Seasons lists known seasons for a league, falling back to its static span.
func (c *Catalog) Seasons(league string) []int {
	var out []int
	if m, ok := c.pages[league]; ok && len(m) > 0 {
		for s := range m {
			out = append(out, s)
		}
		sort.Ints(out)
		return out
	}
	l, ok := LeagueByCode(league)
	if !ok {
		return nil
	}
	for s := l.From; s <= l.To; s++ {
		out = append(out, s)
	}
	return out
}

// URL resolves the page a unit is served from.
func (c *Catalog) URL(u ScrapeUnit) string {
	raw := ""
	if m, ok := c.pages[u.League]; ok {
		raw = m[u.Season]
	}
	if raw == "" {
		suffix := strings.ToLower(u.League)
		if l, ok := LeagueByCode(u.League); ok {
			suffix = l.Suffix
		}
		raw = fmt.Sprintf("%s/yearly/yr%d%s.shtml", c.base, u.Season, suffix)
	}
	if u.Page > 0 {
		raw = strings.TrimSuffix(raw, ".shtml") + "_" + strconv.Itoa(u.Page) + ".shtml"
	}
	return raw
}

// ParseMenu reads the year menu: a banner cell per league followed by a
// row holding a sub-table of year links. Greyed and placeholder years are skipped.
func ParseMenu(body []byte, base string) (*Catalog, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse menu: %w", err)
	}
	cat := NewCatalog(base)
	baseURL, err := url.Parse(cat.base + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	doc.Find("td.banner").Each(func(_ int, banner *goquery.Selection) {
		lg, ok := leagueByTitle(cellText(banner))
		if !ok {
			return
		}
		dataRow := banner.Parent().NextAllFiltered("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
			return tr.ChildrenFiltered("td.datacolBox").Length() > 0
		}).First()
		dataRow.Find("table.ba-sub td").Each(func(_ int, td *goquery.Selection) {
			if td.HasClass("grey") {
				return
			}
			txt := cellText(td)
			season, err := strconv.Atoi(txt)
			if err != nil || txt == "0000" {
				return
			}
			href, ok := td.Find("a").First().Attr("href")
			if !ok {
				return
			}
			ref, err := url.Parse(strings.TrimSpace(href))
			if err != nil {
				return
			}
			cat.Add(lg.Code, season, baseURL.ResolveReference(ref).String())
		})
	})

	if len(cat.pages) == 0 {
		return nil, fmt.Errorf("parse menu: no league year links found")
	}
	return cat, nil
}
