package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient calls the external prompt generation service. It makes a single
// attempt per call; wrap it in Retrying for retries.
type HTTPClient struct {
	baseURL string
	path    string
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("generator base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/prompts/generate"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
	}, nil
}

type generateRequest struct {
	TenantID  string                       `json:"tenantId" validate:"required"`
	Languages []string                     `json:"languages" validate:"required,min=1,dive,required"`
	Snapshot  models.ConfigurationSnapshot `json:"snapshot"`
}

type generateResponse struct {
	Prompt            string `json:"prompt" validate:"required"`
	SecondaryPrompt   string `json:"secondaryPrompt"`
	SecondaryLanguage string `json:"secondaryLanguage" validate:"required_with=SecondaryPrompt"`
}

func (c *HTTPClient) Generate(ctx context.Context, snap models.ConfigurationSnapshot) (models.GeneratedContent, error) {
	req := generateRequest{
		TenantID:  snap.TenantID,
		Languages: snap.Persona.Languages,
		Snapshot:  snap,
	}
	if err := validate.Struct(req); err != nil {
		return models.GeneratedContent{}, InvalidInput("validate request", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return models.GeneratedContent{}, InvalidInput("marshal request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return models.GeneratedContent{}, InvalidInput("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.GeneratedContent{}, Unavailable("call", err)
	}
	defer resp.Body.Close()
	return decodeGenerateResponse(resp)
}

// maxResponseBytes caps a successful generator response; longer bodies fail to decode.
const maxResponseBytes = 4 << 20

func decodeGenerateResponse(resp *http.Response) (models.GeneratedContent, error) {
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return models.GeneratedContent{}, Unavailable("call", fmt.Errorf("generator unavailable: %s", resp.Status))
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return models.GeneratedContent{}, InvalidInput("call", fmt.Errorf("generator rejected request: %s: %s", resp.Status, strings.TrimSpace(string(detail))))
	case resp.StatusCode != http.StatusOK:
		return models.GeneratedContent{}, Unavailable("call", fmt.Errorf("unexpected status: %s", resp.Status))
	}
	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return models.GeneratedContent{}, Unavailable("decode response", err)
	}
	if err := validate.Struct(out); err != nil {
		return models.GeneratedContent{}, Unavailable("validate response", err)
	}
	return models.GeneratedContent{
		Primary:           out.Prompt,
		Secondary:         out.SecondaryPrompt,
		SecondaryLanguage: out.SecondaryLanguage,
	}, nil
}
