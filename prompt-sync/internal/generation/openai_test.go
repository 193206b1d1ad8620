package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

func TestOpenAIClientGeneratesBothLanguages(t *testing.T) {
	var (
		mu      sync.Mutex
		prompts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) || !assert.Len(t, body.Messages, 2) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		user := body.Messages[1].Content
		mu.Lock()
		prompts = append(prompts, user)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(user, `"es"`) {
			_, _ = w.Write([]byte(completionBody("Eres Ana de Glow Spa.")))
			return
		}
		_, _ = w.Write([]byte(completionBody("You are Ana from Glow Spa.")))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "gpt-4o-mini"})
	require.NoError(t, err)

	content, err := client.Generate(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "You are Ana from Glow Spa.", content.Primary)
	assert.Equal(t, "Eres Ana de Glow Spa.", content.Secondary)
	assert.Equal(t, "es", content.SecondaryLanguage)

	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "business: Glow Spa")
	assert.Contains(t, prompts[0], "price: \"80.00\"")
	assert.Contains(t, prompts[0], "Monday")
}

func TestOpenAIClientClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusBadRequest, KindInvalidInput},
		{http.StatusUnauthorized, KindInvalidInput},
		{http.StatusTooManyRequests, KindUnavailable},
		{http.StatusInternalServerError, KindUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test_error"}}`))
			}))
			defer srv.Close()

			client, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
			require.NoError(t, err)
			_, err = client.Generate(context.Background(), testSnapshot())
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))
		})
	}
}

func TestOpenAIClientEmptyCompletionIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("   ")))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), testSnapshot())
	assert.True(t, IsRetryable(err))
}

func TestRenderDocumentOmitsEmptyOffers(t *testing.T) {
	doc, err := renderDocument(testSnapshot())
	require.NoError(t, err)
	assert.NotContains(t, doc, "offers:")
	assert.Contains(t, doc, "on_request: false")
}
