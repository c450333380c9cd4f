package scrape

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

const maxBody = 512 * 1024

// LocalScraper fetches HTML directly over net/http and renders its text with
// goquery. No API calls.
type LocalScraper struct {
	client *http.Client
}

// LocalOption configures a LocalScraper.
type LocalOption func(*LocalScraper)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) LocalOption {
	return func(l *LocalScraper) { l.client = hc }
}

// NewLocalScraper creates a LocalScraper with a 15s budget per page.
func NewLocalScraper(opts ...LocalOption) *LocalScraper {
	l := &LocalScraper{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *LocalScraper) Name() string { return "local_http" }

// Scrape fetches a URL, rejects block pages, and renders its text.
func (l *LocalScraper) Scrape(ctx context.Context, targetURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: create request")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; LeadFoundryBot/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, eris.Wrap(err, "local_http: read body")
	}

	if blocked, kind := DetectBlock(resp, body); blocked {
		return nil, eris.Wrapf(ErrUnusable, "local_http: blocked (%s)", kind)
	}
	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("local_http: status %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, eris.Wrap(ErrUnusable, "local_http: empty page")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "local_http: parse html")
	}

	return &Page{
		URL:        resp.Request.URL.String(),
		Title:      strings.TrimSpace(doc.Find("title").First().Text()),
		HTML:       string(body),
		Text:       RenderText(doc),
		StatusCode: resp.StatusCode,
		Source:     l.Name(),
	}, nil
}

var (
	spaceRe = regexp.MustCompile(`[ \t\r\f\v]+`)
	nlRe    = regexp.MustCompile(`\n\s*\n+`)
)

// RenderText returns the visible text of a document. Footers are kept since
// that is where contact details usually live.
func RenderText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, template, svg").Remove()
	doc.Find("br, p, div, li, tr, h1, h2, h3, h4, h5, h6, footer, address").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}
	text = spaceRe.ReplaceAllString(text, " ")
	text = nlRe.ReplaceAllString(text, "\n")
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, ln := range lines {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}
