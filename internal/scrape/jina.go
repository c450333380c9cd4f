package scrape

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/resilience"
	"github.com/sells-group/leadfoundry/pkg/jina"
)

// JinaScraper reads pages through Jina Reader. Repeated failures open a
// breaker so enrichment stops paying for a dead upstream.
type JinaScraper struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
}

// NewJinaScraper wraps a Jina client.
func NewJinaScraper(client jina.Client) *JinaScraper {
	return &JinaScraper{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.BreakerConfig{
			FailureThreshold: 3,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("scrape: jina breaker state change",
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		}),
	}
}

func (j *JinaScraper) Name() string { return "jina" }

// Scrape fetches a URL through Jina Reader.
func (j *JinaScraper) Scrape(ctx context.Context, targetURL string) (*Page, error) {
	resp, err := resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (*jina.ReadResponse, error) {
		return j.client.Read(ctx, targetURL)
	})
	if err != nil {
		return nil, eris.Wrap(err, "jina: scrape")
	}
	if unusable(resp) {
		return nil, eris.Wrapf(ErrUnusable, "jina: %s", targetURL)
	}
	u := resp.Data.URL
	if u == "" {
		u = targetURL
	}
	return &Page{
		URL:        u,
		Title:      resp.Data.Title,
		Text:       resp.Data.Content,
		StatusCode: 200,
		Source:     j.Name(),
	}, nil
}

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"attention required",
}

// unusable reports whether a Reader response holds a challenge page or
// nothing at all.
func unusable(resp *jina.ReadResponse) bool {
	if resp == nil || (resp.Code != 0 && resp.Code != 200) {
		return true
	}
	content := strings.TrimSpace(resp.Data.Content)
	if content == "" {
		return true
	}
	if len(content) < 1000 {
		lower := strings.ToLower(content)
		for _, sig := range challengeSignatures {
			if strings.Contains(lower, sig) {
				return true
			}
		}
	}
	return false
}
