package jina

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast() Option { return WithRetry(3, time.Millisecond) }

func TestRead_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "markdown", r.Header.Get("X-Return-Format"))
		assert.Equal(t, "/https://acme.com/contact", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ReadResponse{Code: 200, Data: ReadData{Title: "Contact", Content: "Email sales@acme.com"}})
	}))
	defer srv.Close()

	got, err := NewClient("test-key", WithBaseURL(srv.URL)).Read(context.Background(), "https://acme.com/contact")
	require.NoError(t, err)
	assert.Equal(t, "Contact", got.Data.Title)
	assert.Contains(t, got.Data.Content, "sales@acme.com")
}

func TestRead_NotFoundIsStatusError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL), fast()).Read(context.Background(), "https://acme.com")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRead_RetryOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(ReadResponse{Code: 200, Data: ReadData{Content: "ok"}})
	}))
	defer srv.Close()

	got, err := NewClient("k", WithBaseURL(srv.URL), fast()).Read(context.Background(), "https://acme.com")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Data.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRead_RetryExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL), fast()).Read(context.Background(), "https://acme.com")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRead_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Read(context.Background(), "https://acme.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestRead_ContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient("k", WithBaseURL(srv.URL), WithRetry(1, 0)).Read(ctx, "https://acme.com")
	require.Error(t, err)
}

func TestSearch_SiteFilterAndLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dental clinics austin", r.URL.Path)
		assert.Equal(t, "linkedin.com", r.URL.Query().Get("site"))
		_ = json.NewEncoder(w).Encode(SearchResponse{Code: 200, Data: []SearchResult{
			{Title: "A", URL: "https://linkedin.com/company/a"},
			{Title: "B", URL: "https://linkedin.com/company/b"},
			{Title: "C", URL: "https://linkedin.com/company/c"},
		}})
	}))
	defer srv.Close()

	c := NewClient("k", WithSearchBaseURL(srv.URL))
	got, err := c.Search(context.Background(), "dental clinics austin", WithSiteFilter("linkedin.com"), WithLimit(2))
	require.NoError(t, err)
	require.Len(t, got.Data, 2)
	assert.Equal(t, "A", got.Data[0].Title)
}

func TestSearch_422IsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	got, err := NewClient("k", WithSearchBaseURL(srv.URL)).Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, got.Data)
}

func TestSearch_RetryOn500(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(SearchResponse{Code: 200, Data: []SearchResult{{Title: "ok"}}})
	}))
	defer srv.Close()

	got, err := NewClient("k", WithSearchBaseURL(srv.URL), fast()).Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, got.Data, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryable(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503} {
		assert.True(t, retryable(code), code)
	}
	for _, code := range []int{200, 400, 404, 422, 504} {
		assert.False(t, retryable(code), code)
	}
}
