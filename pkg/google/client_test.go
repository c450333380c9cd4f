package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/places:searchText", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "places.websiteUri")

		var req TextSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dental clinic austin", req.TextQuery)
		assert.Equal(t, 5, req.MaxResultCount)

		_, _ = w.Write([]byte(`{"places":[{"displayName":{"text":"Smile Dental"},"formattedAddress":"1 Main St, Austin, TX",` +
			`"websiteUri":"https://smile.example.com/","nationalPhoneNumber":"(512) 555-0100","internationalPhoneNumber":"+1 512-555-0100",` +
			`"googleMapsUri":"https://maps.google.com/?cid=1"}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := c.TextSearch(context.Background(), TextSearchRequest{TextQuery: "dental clinic austin", MaxResultCount: 5})
	require.NoError(t, err)
	require.Len(t, resp.Places, 1)

	p := resp.Places[0]
	assert.Equal(t, "Smile Dental", p.DisplayName.Text)
	assert.Equal(t, "1 Main St, Austin, TX", p.FormattedAddress)
	assert.Equal(t, "+1 512-555-0100", p.Phone())
	assert.Equal(t, "https://maps.google.com/?cid=1", p.GoogleMapsURI)
}

func TestTextSearch_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	resp, err := NewClient("k", WithBaseURL(srv.URL)).TextSearch(context.Background(), TextSearchRequest{TextQuery: "x"})
	require.NoError(t, err)
	assert.Empty(t, resp.Places)
}

func TestTextSearch_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"API key invalid"}}`))
	}))
	defer srv.Close()

	_, err := NewClient("bad", WithBaseURL(srv.URL)).TextSearch(context.Background(), TextSearchRequest{TextQuery: "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "API key invalid")
}

func TestTextSearch_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient("k", WithBaseURL(srv.URL)).TextSearch(ctx, TextSearchRequest{TextQuery: "x"})
	require.Error(t, err)
}

func TestPlacePhoneFallback(t *testing.T) {
	assert.Equal(t, "(512) 555-0100", Place{NationalPhoneNumber: "(512) 555-0100"}.Phone())
	assert.Equal(t, "", Place{}.Phone())
}
