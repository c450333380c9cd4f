// Package jina provides a client for the Jina AI reader and search API.
package jina

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the Jina operations used for lead discovery and page reads.
type Client interface {
	// Read fetches a URL through Jina Reader and returns its markdown.
	Read(ctx context.Context, targetURL string) (*ReadResponse, error)
	// Search runs a web search through Jina Search.
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
}

// ReadResponse is the parsed Reader response.
type ReadResponse struct {
	Code int      `json:"code"`
	Data ReadData `json:"data"`
}

// ReadData holds the page content.
type ReadData struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchResponse is the parsed Search response.
type SearchResponse struct {
	Code int            `json:"code"`
	Data []SearchResult `json:"data"`
}

// SearchResult is a single hit.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

// StatusError is returned for non-2xx responses after retries.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "jina: unexpected status " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	site  string
	limit int
}

// WithSiteFilter restricts results to a domain.
func WithSiteFilter(domain string) SearchOption {
	return func(o *searchOpts) { o.site = domain }
}

// WithLimit truncates the result list.
func WithLimit(n int) SearchOption {
	return func(o *searchOpts) { o.limit = n }
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets the Reader base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithSearchBaseURL sets the Search base URL.
func WithSearchBaseURL(u string) Option {
	return func(c *httpClient) { c.searchBaseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRetry sets the attempt count and initial backoff for 429/5xx responses.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *httpClient) {
		c.attempts = attempts
		c.backoff = backoff
	}
}

type httpClient struct {
	apiKey        string
	baseURL       string
	searchBaseURL string
	http          *http.Client
	attempts      int
	backoff       time.Duration
}

// NewClient creates a Jina client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:        apiKey,
		baseURL:       "https://r.jina.ai",
		searchBaseURL: "https://s.jina.ai",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		attempts: 3,
		backoff:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	return c
}

func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// get issues a GET with exponential backoff on transport errors and
// retryable statuses.
func (c *httpClient) get(ctx context.Context, reqURL string, header http.Header) ([]byte, int, error) {
	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, 0, eris.Wrap(err, "jina: create request")
		}
		req.Header = header.Clone()
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		body, status, err := c.once(req)
		switch {
		case err != nil:
			lastErr = err
		case retryable(status):
			lastErr = &StatusError{StatusCode: status, Body: string(body)}
		default:
			return body, status, nil
		}

		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, 0, lastErr
}

func (c *httpClient) once(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, eris.Wrap(err, "jina: read response body")
	}
	return body, resp.StatusCode, nil
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*ReadResponse, error) {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("X-Return-Format", "markdown")

	body, status, err := c.get(ctx, c.baseURL+"/"+targetURL, h)
	if err != nil {
		return nil, eris.Wrap(err, "jina: read")
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: string(body)}
	}

	var result ReadResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal read response")
	}
	return &result, nil
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	so := &searchOpts{}
	for _, opt := range opts {
		opt(so)
	}

	reqURL := c.searchBaseURL + "/" + url.PathEscape(query)
	if so.site != "" {
		reqURL += "?site=" + url.QueryEscape(so.site)
	}
	h := http.Header{}
	h.Set("Accept", "application/json")

	body, status, err := c.get(ctx, reqURL, h)
	if err != nil {
		return nil, eris.Wrap(err, "jina: search")
	}
	// 422 means no results for the query.
	if status == http.StatusUnprocessableEntity {
		return &SearchResponse{Code: status}, nil
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: string(body)}
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal search response")
	}
	if so.limit > 0 && len(result.Data) > so.limit {
		result.Data = result.Data[:so.limit]
	}
	return &result, nil
}
