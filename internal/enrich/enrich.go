// Package enrich fills missing contact fields by visiting each lead's
// website and its usual contact pages.
package enrich

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/scrape"
)

// DefaultPaths are visited after the home page, in order.
var DefaultPaths = []string{"/contact", "/contact-us", "/about", "/about-us", "/footer", "/support"}

// Options configures an Enricher.
type Options struct {
	Paths       []string
	SkipHosts   []string
	Concurrency int
	// RatePerHost is requests per second against a single host.
	RatePerHost float64
}

// Stats summarizes one enrichment pass.
type Stats struct {
	Attempted int
	Enriched  int
	Pages     int
}

// Enricher visits lead websites and fills mail and phone_number.
type Enricher struct {
	scraper scrape.Scraper
	skip    *scrape.HostFilter
	paths   []string
	workers int
	rps     float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates an Enricher that fetches pages with s.
func New(s scrape.Scraper, opts Options) *Enricher {
	if len(opts.Paths) == 0 {
		opts.Paths = DefaultPaths
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 2
	}
	return &Enricher{
		scraper:  s,
		skip:     scrape.NewHostFilter(opts.SkipHosts),
		paths:    opts.Paths,
		workers:  opts.Concurrency,
		rps:      opts.RatePerHost,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enrich returns a copy of leads with missing contact fields filled where a
// page yielded them. Only mail and phone_number are ever changed. Fetch
// failures are logged and skipped; only context cancellation is an error.
func (e *Enricher) Enrich(ctx context.Context, leads []model.Lead) ([]model.Lead, Stats, error) {
	out := make([]model.Lead, len(leads))
	for i, l := range leads {
		out[i] = l.Clone()
	}

	var attempted, enriched, pages atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i := range out {
		lead := &out[i]
		if !e.needsWork(lead) {
			continue
		}
		attempted.Add(1)
		g.Go(func() error {
			n, changed, err := e.enrichOne(gctx, lead)
			pages.Add(int64(n))
			if changed {
				enriched.Add(1)
			}
			return err
		})
	}
	err := g.Wait()

	stats := Stats{
		Attempted: int(attempted.Load()),
		Enriched:  int(enriched.Load()),
		Pages:     int(pages.Load()),
	}
	if err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}

func (e *Enricher) needsWork(l *model.Lead) bool {
	if model.HasContact(l.Mail) && model.HasContact(l.PhoneNumber) {
		return false
	}
	if !model.HasContact(l.Website) || e.skip.Match(l.Website) {
		return false
	}
	return true
}

// enrichOne walks the candidate pages for one lead until every missing
// field is found. It returns the number of pages fetched.
func (e *Enricher) enrichOne(ctx context.Context, l *model.Lead) (int, bool, error) {
	needMail := !model.HasContact(l.Mail)
	needPhone := !model.HasContact(l.PhoneNumber)
	changed := false
	fetched := 0

	for _, target := range e.candidates(l.Website) {
		if !needMail && !needPhone {
			break
		}
		if err := ctx.Err(); err != nil {
			return fetched, changed, err
		}
		if err := e.limiter(target).Wait(ctx); err != nil {
			return fetched, changed, err
		}

		page, err := e.scraper.Scrape(ctx, target)
		fetched++
		if err != nil {
			if ctx.Err() != nil {
				return fetched, changed, ctx.Err()
			}
			zap.L().Debug("enrich: fetch failed",
				zap.String("company", l.Company),
				zap.String("url", target),
				zap.Error(err),
			)
			continue
		}

		c := ExtractContacts(page)
		if needMail && len(c.Emails) > 0 {
			l.Mail = strings.Join(c.Emails, ", ")
			needMail, changed = false, true
		}
		if needPhone && len(c.Phones) > 0 {
			l.PhoneNumber = strings.Join(c.Phones, ", ")
			needPhone, changed = false, true
		}
	}
	return fetched, changed, nil
}

// candidates lists the home page followed by each contact path on the same
// origin.
func (e *Enricher) candidates(website string) []string {
	base, err := url.Parse(website)
	if err != nil || base.Host == "" {
		return nil
	}
	root := *base
	root.RawQuery, root.Fragment = "", ""

	out := []string{root.String()}
	seen := map[string]bool{out[0]: true}
	for _, p := range e.paths {
		u := root
		u.Path = "/" + strings.TrimLeft(p, "/")
		s := u.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (e *Enricher) limiter(rawURL string) *rate.Limiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.rps), 1)
		e.limiters[host] = lim
	}
	return lim
}
