package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/gocolly/colly/v2"
)

const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// CollySession drives colly against one shared http.Client, so cookies and
// keep-alive connections survive between pages like a browser tab would.
type CollySession struct {
	client    *http.Client
	userAgent string
}

func NewCollySession(userAgent string, timeout time.Duration) (*CollySession, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CollySession{
		client:    &http.Client{Timeout: timeout, Jar: jar},
		userAgent: userAgent,
	}, nil
}

func (s *CollySession) Open(ctx context.Context, url string) (*Page, error) {
	c := colly.NewCollector(
		colly.UserAgent(s.userAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	)
	c.SetClient(s.client)

	var page *Page
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})
	c.OnResponse(func(r *colly.Response) {
		page = &Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			page.RetryAfter = r.Headers.Get("Retry-After")
		}
	})

	err := c.Visit(url)
	if page != nil {
		return page, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no response for %s", url)
}

func (s *CollySession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
