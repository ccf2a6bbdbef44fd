package pipeline

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tyler180/baseball-almanac-backends/internal/fetcher"
)

// pageCache lets every unit served by one year page reuse a single fetch.
// Pages are held until the last unit that needs them releases them.
type pageCache struct {
	mu    sync.Mutex
	refs  map[string]int
	pages map[string]*fetcher.Page
	sf    singleflight.Group
}

func newPageCache(urls []string) *pageCache {
	c := &pageCache{refs: map[string]int{}, pages: map[string]*fetcher.Page{}}
	for _, u := range urls {
		c.refs[u]++
	}
	return c
}

// get returns the page for url, fetching it at most once at a time. The
// result carries zero attempts for callers that did not perform the fetch.
func (c *pageCache) get(url string, fetch func() (fetcher.Result, error)) (fetcher.Result, error) {
	c.mu.Lock()
	if p, ok := c.pages[url]; ok {
		c.mu.Unlock()
		return fetcher.Result{Page: p}, nil
	}
	c.mu.Unlock()

	mine := false
	v, err, _ := c.sf.Do(url, func() (any, error) {
		mine = true
		res, err := fetch()
		if err == nil {
			c.mu.Lock()
			if c.refs[url] > 1 {
				c.pages[url] = res.Page
			}
			c.mu.Unlock()
		}
		return res, err
	})
	res, _ := v.(fetcher.Result)
	if !mine {
		res.Attempts = 0
	}
	return res, err
}

func (c *pageCache) release(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[url]--
	if c.refs[url] <= 0 {
		delete(c.refs, url)
		delete(c.pages, url)
	}
}
