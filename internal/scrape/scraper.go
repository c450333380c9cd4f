// Package scrape fetches company web pages for contact enrichment.
package scrape

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/sells-group/leadfoundry/pkg/jina"
)

// Page is one fetched document. HTML is empty for fetchers that only return
// rendered text.
type Page struct {
	URL        string
	Title      string
	HTML       string
	Text       string
	StatusCode int
	Source     string
}

// Scraper fetches a single URL.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Page, error)
	Name() string
}

// ErrUnusable is returned for pages that loaded but carry no content: block
// pages, challenges, empty shells.
var ErrUnusable = eris.New("scrape: unusable page")

// New returns the fetcher named by kind ("local" or "jina").
func New(kind string, jc jina.Client) (Scraper, error) {
	switch kind {
	case "", "local":
		return NewLocalScraper(), nil
	case "jina":
		if jc == nil {
			return nil, eris.New("scrape: jina fetcher needs a jina client")
		}
		return NewJinaScraper(jc), nil
	}
	return nil, eris.Errorf("scrape: unknown fetcher %q", kind)
}
