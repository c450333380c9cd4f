package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/resilience"
	"github.com/sells-group/leadfoundry/pkg/google"
	"github.com/sells-group/leadfoundry/pkg/google/mocks"
	"github.com/sells-group/leadfoundry/pkg/jina"
	"github.com/sells-group/leadfoundry/pkg/perplexity"
)

type fakeJina struct {
	hits    []jina.SearchResult
	err     error
	queries []string
	sites   int
}

func (f *fakeJina) Read(context.Context, string) (*jina.ReadResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeJina) Search(_ context.Context, query string, opts ...jina.SearchOption) (*jina.SearchResponse, error) {
	f.queries = append(f.queries, query)
	f.sites += len(opts)
	if f.err != nil {
		return nil, f.err
	}
	return &jina.SearchResponse{Code: 200, Data: f.hits}, nil
}

type fakePerplexity struct {
	content   string
	citations []string
}

func (f *fakePerplexity) ChatCompletion(context.Context, perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	return &perplexity.ChatCompletionResponse{
		Choices:   []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: f.content}}},
		Citations: f.citations,
	}, nil
}

type failingSource struct{ calls int }

func (f *failingSource) Name() string { return "flaky" }

func (f *failingSource) Search(context.Context, string) ([]model.Lead, error) {
	f.calls++
	return nil, errors.New("upstream down")
}

func TestWebsiteSource_HitsToLeads(t *testing.T) {
	fj := &fakeJina{hits: []jina.SearchResult{
		{
			Title:       "Acme Drones - Aerial inspection",
			URL:         "https://acme-drones.com/services/",
			Description: "Call +49 30 1234567 or write to info@acme-drones.com",
		},
		{Title: "", URL: "https://nameless.example.com"},
	}}
	src := NewWebsiteSource(fj, nil, 5)

	leads, err := src.Search(context.Background(), "drone inspection pune")
	require.NoError(t, err)
	require.Len(t, leads, 1)

	l := leads[0]
	assert.Equal(t, "Acme Drones", l.Company)
	assert.Equal(t, "https://acme-drones.com", l.Website)
	assert.Equal(t, "info@acme-drones.com", l.Mail)
	assert.Equal(t, "+49 30 1234567", l.PhoneNumber)
	assert.Equal(t, "unknown", l.Location)
	assert.Equal(t, []string{"https://acme-drones.com/services"}, l.SourceURLs)
	assert.Equal(t, SourceWebsite, l.Extra["source_agent"])
	assert.Equal(t, []string{"drone inspection pune official website contact"}, fj.queries)
}

func TestLinkedInSource_UsesStructurer(t *testing.T) {
	fj := &fakeJina{hits: []jina.SearchResult{{Title: "Acme | LinkedIn", URL: "https://www.linkedin.com/company/acme"}}}
	fa := &fakeAnthropic{text: `{"leads":[{"company":"Acme","website":"https://www.linkedin.com/company/acme","phone_number":"+91 22 5550 1000"}]}`}
	cat, err := LoadCatalog()
	require.NoError(t, err)
	src := NewLinkedInSource(fj, NewClaudeStructurer(fa, "m", 1024, cat), 5)

	leads, err := src.Search(context.Background(), "drone inspection")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "+91 22 5550 1000", leads[0].PhoneNumber)
	assert.Equal(t, 2, fj.sites)
	assert.Contains(t, fa.calls[0].Messages[0].Content, "https://www.linkedin.com/company/acme")
}

func TestLinkedInSource_StructurerFailureFallsBack(t *testing.T) {
	fj := &fakeJina{hits: []jina.SearchResult{{Title: "Acme | LinkedIn", URL: "https://www.linkedin.com/company/acme"}}}
	cat, err := LoadCatalog()
	require.NoError(t, err)
	src := NewLinkedInSource(fj, NewClaudeStructurer(&fakeAnthropic{err: errors.New("529")}, "m", 1024, cat), 5)

	leads, err := src.Search(context.Background(), "drone inspection")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "Acme", leads[0].Company)
	assert.Equal(t, "https://www.linkedin.com/company/acme", leads[0].Website)
}

func TestSearchSource_Error(t *testing.T) {
	src := NewFacebookSource(&fakeJina{err: errors.New("boom")}, nil, 5)
	_, err := src.Search(context.Background(), "q")
	assert.Error(t, err)
}

func TestSourceErrors_ClassifiedByStatus(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
		transient bool
	}{
		{"jina 401", &jina.StatusError{StatusCode: 401}, true, false},
		{"jina 503", &jina.StatusError{StatusCode: 503}, false, true},
		{"places 403", &google.APIError{StatusCode: 403}, true, false},
		{"perplexity 429", &perplexity.StatusError{StatusCode: 429}, false, true},
		{"no status", errors.New("boom"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewWebsiteSource(&fakeJina{err: tt.err}, nil, 5)
			_, err := src.Search(context.Background(), "q")
			require.Error(t, err)
			assert.Equal(t, tt.permanent, resilience.IsPermanent(err))
			var te *resilience.TransientError
			assert.Equal(t, tt.transient, errors.As(err, &te))
		})
	}
}

func TestPlacesSource_PermanentStatus(t *testing.T) {
	mc := mocks.NewMockClient(t)
	mc.On("TextSearch", mock.Anything, mock.Anything).Return(nil, &google.APIError{StatusCode: 400, Body: "bad key"})

	_, err := NewPlacesSource(mc, 5).Search(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestPlacesSource(t *testing.T) {
	mc := mocks.NewMockClient(t)
	mc.On("TextSearch", mock.Anything, google.TextSearchRequest{TextQuery: "drone inspection pune", MaxResultCount: 5}).
		Return(&google.TextSearchResponse{Places: []google.Place{
			{
				DisplayName:              google.LocalizedText{Text: "SkyEye Surveys"},
				FormattedAddress:         "Baner, Pune",
				WebsiteURI:               "https://skyeye.in/",
				InternationalPhoneNumber: "+91 20 5555 0101",
				GoogleMapsURI:            "https://maps.google.com/?cid=1",
				PrimaryType:              google.LocalizedText{Text: "Surveyor"},
			},
			{FormattedAddress: "no name"},
		}}, nil)

	leads, err := NewPlacesSource(mc, 5).Search(context.Background(), "drone inspection pune")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	l := leads[0]
	assert.Equal(t, "SkyEye Surveys", l.Company)
	assert.Equal(t, "https://skyeye.in", l.Website)
	assert.Equal(t, "+91 20 5555 0101", l.PhoneNumber)
	assert.Equal(t, "Baner, Pune", l.Location)
	assert.Equal(t, "Surveyor", l.Description)
	assert.Equal(t, "Surveyor", l.Extra["business_type"])
	assert.Equal(t, SourceGMap, l.Extra["source_agent"])
}

func TestPerplexitySource_AddsCitations(t *testing.T) {
	cat, err := LoadCatalog()
	require.NoError(t, err)
	fp := &fakePerplexity{
		content:   `{"leads":[{"company":"Globex","mail":"hi@globex.com"}]}`,
		citations: []string{"https://globex.com/contact"},
	}
	leads, err := NewPerplexitySource(fp, nil, cat).Search(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, []string{"https://globex.com/contact"}, leads[0].SourceURLs)
	assert.Equal(t, "hi@globex.com", leads[0].Mail)
}

func TestGuard_OpensAfterFailures(t *testing.T) {
	breakers := resilience.NewSourceBreakers(resilience.BreakerConfig{FailureThreshold: 2})
	inner := &failingSource{}
	src := Guard(inner, breakers)
	assert.Equal(t, "flaky", src.Name())

	for i := 0; i < 2; i++ {
		_, err := src.Search(context.Background(), "q")
		require.Error(t, err)
	}
	_, err := src.Search(context.Background(), "q")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, resilience.CircuitOpen, breakers.States()["flaky"])
}

func TestBuildSources(t *testing.T) {
	cat, err := LoadCatalog()
	require.NoError(t, err)
	deps := Deps{Jina: &fakeJina{}, Places: mocks.NewMockClient(t), Catalog: cat, Limit: 5}

	srcs, err := BuildSources([]string{"linkedin", "facebook", "website", "gmap"}, deps)
	require.NoError(t, err)
	var names []string
	for _, s := range srcs {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"linkedin", "facebook", "website", "gmap"}, names)

	_, err = BuildSources([]string{"perplexity"}, deps)
	assert.ErrorContains(t, err, "perplexity client")

	_, err = BuildSources([]string{"yelp"}, deps)
	assert.ErrorContains(t, err, "unknown source")
}
