package agent

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/enrich"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/resilience"
	"github.com/sells-group/leadfoundry/internal/scrape"
	"github.com/sells-group/leadfoundry/pkg/google"
	"github.com/sells-group/leadfoundry/pkg/jina"
	"github.com/sells-group/leadfoundry/pkg/perplexity"
)

// Source names accepted by BuildSources.
const (
	SourceLinkedIn   = "linkedin"
	SourceFacebook   = "facebook"
	SourceWebsite    = "website"
	SourceGMap       = "gmap"
	SourcePerplexity = "perplexity"
)

const maxDescription = 300

// SearchSource finds leads through Jina Search, optionally restricted to a
// single site.
type SearchSource struct {
	name       string
	site       string
	suffix     string
	client     jina.Client
	structurer Structurer
	limit      int
}

// NewLinkedInSource searches LinkedIn company pages.
func NewLinkedInSource(c jina.Client, s Structurer, limit int) *SearchSource {
	return &SearchSource{name: SourceLinkedIn, site: "linkedin.com", suffix: "company", client: c, structurer: s, limit: limit}
}

// NewFacebookSource searches Facebook business pages.
func NewFacebookSource(c jina.Client, s Structurer, limit int) *SearchSource {
	return &SearchSource{name: SourceFacebook, site: "facebook.com", client: c, structurer: s, limit: limit}
}

// NewWebsiteSource searches the open web for official company sites.
func NewWebsiteSource(c jina.Client, s Structurer, limit int) *SearchSource {
	return &SearchSource{name: SourceWebsite, suffix: "official website contact", client: c, structurer: s, limit: limit}
}

// Name implements Source.
func (s *SearchSource) Name() string { return s.name }

// Search implements Source.
func (s *SearchSource) Search(ctx context.Context, query string) ([]model.Lead, error) {
	q := strings.TrimSpace(query + " " + s.suffix)
	var opts []jina.SearchOption
	if s.site != "" {
		opts = append(opts, jina.WithSiteFilter(s.site))
	}
	if s.limit > 0 {
		opts = append(opts, jina.WithLimit(s.limit))
	}

	resp, err := s.client.Search(ctx, q, opts...)
	if err != nil {
		return nil, upstreamError(eris.Wrapf(err, "agent: %s search", s.name))
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}

	if s.structurer != nil {
		leads, err := s.structurer.Structure(ctx, s.name, renderHits(resp.Data))
		if err == nil {
			return finish(leads, s.name), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zap.L().Warn("agent: structuring failed, using search hits",
			zap.String("source", s.name), zap.Error(err))
	}
	return finish(s.hitsToLeads(resp.Data), s.name), nil
}

func (s *SearchSource) hitsToLeads(hits []jina.SearchResult) []model.Lead {
	leads := make([]model.Lead, 0, len(hits))
	for _, h := range hits {
		company := cleanTitle(h.Title)
		if company == "" {
			continue
		}
		l := model.Lead{
			Company:     company,
			Website:     h.URL,
			Description: truncate(strings.TrimSpace(h.Description), maxDescription),
			SourceURLs:  []string{h.URL},
		}
		if s.site == "" {
			l.Website = siteRoot(h.URL)
		}
		c := enrich.ExtractContacts(&scrape.Page{URL: h.URL, Text: h.Description + "\n" + h.Content})
		if len(c.Emails) > 0 {
			l.Mail = c.Emails[0]
		}
		if len(c.Phones) > 0 {
			l.PhoneNumber = c.Phones[0]
		}
		leads = append(leads, l)
	}
	return leads
}

// PlacesSource finds businesses through Google Places text search.
type PlacesSource struct {
	client google.Client
	limit  int
}

// NewPlacesSource creates the map source.
func NewPlacesSource(c google.Client, limit int) *PlacesSource {
	return &PlacesSource{client: c, limit: limit}
}

// Name implements Source.
func (p *PlacesSource) Name() string { return SourceGMap }

// Search implements Source.
func (p *PlacesSource) Search(ctx context.Context, query string) ([]model.Lead, error) {
	resp, err := p.client.TextSearch(ctx, google.TextSearchRequest{
		TextQuery:      query,
		MaxResultCount: p.limit,
	})
	if err != nil {
		return nil, upstreamError(eris.Wrap(err, "agent: places search"))
	}

	leads := make([]model.Lead, 0, len(resp.Places))
	for _, pl := range resp.Places {
		if pl.DisplayName.Text == "" {
			continue
		}
		l := model.Lead{
			Company:     pl.DisplayName.Text,
			Website:     pl.WebsiteURI,
			PhoneNumber: pl.Phone(),
			Location:    pl.FormattedAddress,
			Description: pl.EditorialSummary.Text,
		}
		if l.Description == "" {
			l.Description = pl.PrimaryType.Text
		}
		if pl.GoogleMapsURI != "" {
			l.SourceURLs = []string{pl.GoogleMapsURI}
		}
		if pl.PrimaryType.Text != "" {
			l.Extra = map[string]any{"business_type": pl.PrimaryType.Text}
		}
		leads = append(leads, l)
	}
	return finish(leads, SourceGMap), nil
}

// PerplexitySource asks Perplexity to research the query and structures
// the answer.
type PerplexitySource struct {
	client     perplexity.Client
	structurer Structurer
	prompt     string
}

// NewPerplexitySource creates the web research source.
func NewPerplexitySource(c perplexity.Client, s Structurer, catalog *Catalog) *PerplexitySource {
	if s == nil {
		s = JSONStructurer{}
	}
	return &PerplexitySource{client: c, structurer: s, prompt: catalog.Get(PromptResearch)}
}

// Name implements Source.
func (p *PerplexitySource) Name() string { return SourcePerplexity }

// Search implements Source.
func (p *PerplexitySource) Search(ctx context.Context, query string) ([]model.Lead, error) {
	temp := 0.2
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: p.prompt},
			{Role: "user", Content: query},
		},
		Temperature: &temp,
	})
	if err != nil {
		return nil, upstreamError(eris.Wrap(err, "agent: perplexity research"))
	}
	content := resp.Content()
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	leads, err := p.structurer.Structure(ctx, SourcePerplexity, content)
	if err != nil {
		return nil, err
	}
	for i := range leads {
		if len(leads[i].SourceURLs) == 0 && len(resp.Citations) > 0 {
			leads[i].SourceURLs = append([]string(nil), resp.Citations...)
		}
	}
	return finish(leads, SourcePerplexity), nil
}

// upstreamError marks an API status failure as transient or permanent.
// Errors without a status pass through unchanged.
func upstreamError(err error) error {
	var (
		ge   *google.APIError
		pe   *perplexity.StatusError
		je   *jina.StatusError
		code int
	)
	switch {
	case errors.As(err, &ge):
		code = ge.StatusCode
	case errors.As(err, &pe):
		code = pe.StatusCode
	case errors.As(err, &je):
		code = je.StatusCode
	default:
		return err
	}
	if resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(err, code)
	}
	return resilience.NewPermanentError(err)
}

// guardedSource routes calls through a per-source circuit breaker.
type guardedSource struct {
	Source
	breaker *resilience.CircuitBreaker
}

// Guard wraps src so repeated failures take it out of rotation.
func Guard(src Source, breakers *resilience.SourceBreakers) Source {
	return &guardedSource{Source: src, breaker: breakers.Get(src.Name())}
}

func (g *guardedSource) Search(ctx context.Context, query string) ([]model.Lead, error) {
	return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) ([]model.Lead, error) {
		return g.Source.Search(ctx, query)
	})
}

// Deps holds the clients sources may need.
type Deps struct {
	Jina       jina.Client
	Places     google.Client
	Perplexity perplexity.Client
	Structurer Structurer
	Catalog    *Catalog
	Limit      int
	Breakers   *resilience.SourceBreakers
}

// BuildSources creates the named sources in order. A source whose client is
// not configured is an error.
func BuildSources(names []string, d Deps) ([]Source, error) {
	out := make([]Source, 0, len(names))
	for _, name := range names {
		var src Source
		switch name {
		case SourceLinkedIn, SourceFacebook, SourceWebsite:
			if d.Jina == nil {
				return nil, eris.Errorf("agent: source %q requires a jina client", name)
			}
			switch name {
			case SourceLinkedIn:
				src = NewLinkedInSource(d.Jina, d.Structurer, d.Limit)
			case SourceFacebook:
				src = NewFacebookSource(d.Jina, d.Structurer, d.Limit)
			default:
				src = NewWebsiteSource(d.Jina, d.Structurer, d.Limit)
			}
		case SourceGMap:
			if d.Places == nil {
				return nil, eris.Errorf("agent: source %q requires a google places client", name)
			}
			src = NewPlacesSource(d.Places, d.Limit)
		case SourcePerplexity:
			if d.Perplexity == nil {
				return nil, eris.Errorf("agent: source %q requires a perplexity client", name)
			}
			if d.Catalog == nil {
				return nil, eris.New("agent: perplexity source requires a prompt catalog")
			}
			src = NewPerplexitySource(d.Perplexity, d.Structurer, d.Catalog)
		default:
			return nil, eris.Errorf("agent: unknown source %q", name)
		}
		if d.Breakers != nil {
			src = Guard(src, d.Breakers)
		}
		out = append(out, src)
	}
	return out, nil
}

// finish normalizes leads and tags them with the source that found them.
func finish(leads []model.Lead, source string) []model.Lead {
	out := leads[:0]
	for _, l := range leads {
		if strings.TrimSpace(l.Company) == "" || strings.EqualFold(strings.TrimSpace(l.Company), model.Unknown) {
			continue
		}
		l.Normalize()
		if l.Extra == nil {
			l.Extra = make(map[string]any)
		}
		if _, ok := l.Extra["source_agent"]; !ok {
			l.Extra["source_agent"] = source
		}
		out = append(out, l)
	}
	return out
}

func renderHits(hits []jina.SearchResult) string {
	var b strings.Builder
	for _, h := range hits {
		b.WriteString("Title: " + h.Title + "\n")
		b.WriteString("URL: " + h.URL + "\n")
		if h.Description != "" {
			b.WriteString("Description: " + h.Description + "\n")
		}
		if h.Content != "" {
			b.WriteString(truncate(h.Content, 4000) + "\n")
		}
		b.WriteString("\n---\n\n")
	}
	return b.String()
}

func siteRoot(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
