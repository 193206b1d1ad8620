package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

func testSnapshot() models.ConfigurationSnapshot {
	return models.ConfigurationSnapshot{
		TenantID:   "t-1",
		TenantName: "Glow Spa",
		Hours:      []models.DayHours{{Day: 1, Open: "09:00", Close: "17:00"}},
		Services:   []models.Service{{Name: "Facial", DurationMinutes: 60, Price: decimal.RequireFromString("80")}},
		FAQs:       []models.FAQ{{Question: "Parking?", Answer: "Free lot in back."}},
		Knowledge:  []models.KnowledgeNote{},
		Persona: models.Persona{
			AgentName: "Ana",
			Languages: []string{"en", "es"},
			Greetings: map[string]string{"en": "Hi!", "es": "¡Hola!"},
			Transfer:  models.TransferRules{Keywords: []string{}},
		},
	}
}

func TestHTTPClientGenerate(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/prompts/generate", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "t-1", req.TenantID)
		assert.Equal(t, []string{"en", "es"}, req.Languages)
		if assert.Len(t, req.Snapshot.Services, 1) {
			assert.Equal(t, "Facial", req.Snapshot.Services[0].Name)
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Prompt: "You are Ana.", SecondaryPrompt: "Eres Ana.", SecondaryLanguage: "es"})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL + "/", APIKey: "k-1", Timeout: time.Second})
	require.NoError(t, err)

	content, err := client.Generate(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "You are Ana.", content.Primary)
	assert.Equal(t, "Eres Ana.", content.Secondary)
	assert.True(t, content.HasSecondary())
	assert.Equal(t, "Bearer k-1", gotAuth)
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"bad request", http.StatusBadRequest, `{"error":"hours malformed"}`, KindInvalidInput},
		{"unprocessable", http.StatusUnprocessableEntity, `{}`, KindInvalidInput},
		{"server error", http.StatusBadGateway, ``, KindUnavailable},
		{"rate limited", http.StatusTooManyRequests, ``, KindUnavailable},
		{"malformed body", http.StatusOK, `not-json`, KindUnavailable},
		{"empty prompt", http.StatusOK, `{"prompt":""}`, KindUnavailable},
		{"secondary without language", http.StatusOK, `{"prompt":"p","secondaryPrompt":"s"}`, KindUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{
					StatusCode: tc.status,
					Status:     http.StatusText(tc.status),
					Body:       io.NopCloser(bytes.NewBufferString(tc.body)),
					Header:     make(http.Header),
				}, nil
			})
			client, err := NewHTTPClient(HTTPClientConfig{BaseURL: "http://generator", HTTPClient: &http.Client{Transport: transport}})
			require.NoError(t, err)

			_, err = client.Generate(context.Background(), testSnapshot())
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))
		})
	}
}

func TestHTTPClientTransportErrorIsUnavailable(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: "http://generator", HTTPClient: &http.Client{Transport: transport}})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), testSnapshot())
	assert.True(t, IsRetryable(err))
}

func TestHTTPClientRejectsSnapshotWithoutTenant(t *testing.T) {
	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: "http://generator"})
	require.NoError(t, err)

	snap := testSnapshot()
	snap.TenantID = ""
	_, err = client.Generate(context.Background(), snap)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestHTTPClientDoesNotMutateSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prompt":"ok"}`))
	}))
	defer srv.Close()
	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	snap := testSnapshot()
	before, err := json.Marshal(snap)
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), snap)
	require.NoError(t, err)
	after, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestHTTPClientRejectsOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prompt":"`))
		_, _ = w.Write(bytes.Repeat([]byte("a"), maxResponseBytes))
		_, _ = w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), testSnapshot())
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindUnavailable, ge.Kind)
}
