// Package agentplatform talks to the hosted voice-agent platform.
package agentplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Agent struct {
	AgentID          string `json:"agent_id" validate:"required"`
	InstructionSetID string `json:"instruction_set_id" validate:"required"`
	Name             string `json:"agent_name,omitempty"`
}

type InstructionUpdate struct {
	Prompt       string `json:"prompt" validate:"required"`
	BeginMessage string `json:"begin_message,omitempty"`
}

type Client interface {
	// GetAgent resolves an agent to the instruction set it currently runs.
	GetAgent(ctx context.Context, agentID string) (Agent, error)
	UpdateInstructionSet(ctx context.Context, instructionSetID string, update InstructionUpdate) error
}

// Error is returned for every failed platform call.
type Error struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("agent platform %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("agent platform %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether the platform said the agent or instruction set does not exist.
func IsNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

type HTTPClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries int
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent platform base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	if agentID == "" {
		return Agent{}, &Error{Op: "get agent", Err: errors.New("agent id required")}
	}
	var agent Agent
	err := c.do(ctx, "get agent", http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &agent)
	if err != nil {
		return Agent{}, err
	}
	if err := validate.Struct(agent); err != nil {
		return Agent{}, &Error{Op: "get agent", Err: fmt.Errorf("invalid response: %w", err)}
	}
	return agent, nil
}

func (c *HTTPClient) UpdateInstructionSet(ctx context.Context, instructionSetID string, update InstructionUpdate) error {
	if instructionSetID == "" {
		return &Error{Op: "update instruction set", Err: errors.New("instruction set id required")}
	}
	if err := validate.Struct(update); err != nil {
		return &Error{Op: "update instruction set", Err: err}
	}
	body, err := json.Marshal(update)
	if err != nil {
		return &Error{Op: "update instruction set", Err: err}
	}
	return c.do(ctx, "update instruction set", http.MethodPatch, "/instruction-sets/"+url.PathEscape(instructionSetID), body, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	attempts := c.retries + 1
	var lastErr *Error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return &Error{Op: op, Retryable: true, Err: ctx.Err()}
		}
		lastErr = c.attempt(ctx, op, method, path, body, out)
		if lastErr == nil {
			return nil
		}
		if !lastErr.Retryable {
			return lastErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

const maxResponseBytes = 1 << 20

func (c *HTTPClient) attempt(ctx context.Context, op, method, path string, body []byte, out interface{}) *Error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &Error{Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: errors.New("platform unavailable")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("platform rejected request: %s", strings.TrimSpace(string(detail)))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
