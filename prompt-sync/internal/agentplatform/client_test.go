package agentplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAgentAndUpdate(t *testing.T) {
	var updated InstructionUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/agents/agent-1":
			_, _ = w.Write([]byte(`{"agent_id":"agent-1","instruction_set_id":"llm-9","agent_name":"Front desk"}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/instruction-sets/llm-9":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&updated))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, APIKey: "key-1", Timeout: time.Second})
	require.NoError(t, err)

	agent, err := c.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "llm-9", agent.InstructionSetID)

	require.NoError(t, c.UpdateInstructionSet(context.Background(), agent.InstructionSetID, InstructionUpdate{Prompt: "You are Ana."}))
	assert.Equal(t, "You are Ana.", updated.Prompt)
}

func TestGetAgentRejectsIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"agent_id":"agent-1"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.GetAgent(context.Background(), "agent-1")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Retryable)
}

func TestRetriesOnlyTransientFailures(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		status := http.StatusServiceUnavailable
		body := ``
		if n == 2 {
			status = http.StatusOK
			body = `{"agent_id":"a","instruction_set_id":"l"}`
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewBufferString(body)), Header: make(http.Header)}, nil
	})
	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: "http://platform", Retries: 2, HTTPClient: &http.Client{Transport: transport}})
	require.NoError(t, err)

	agent, err := c.GetAgent(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "l", agent.InstructionSetID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDoesNotRetryRejections(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewBufferString(`{"error":"no agent"}`)), Header: make(http.Header)}, nil
	})
	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: "http://platform", Retries: 3, HTTPClient: &http.Client{Transport: transport}})
	require.NoError(t, err)

	_, err = c.GetAgent(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUpdateRequiresPrompt(t *testing.T) {
	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: "http://platform"})
	require.NoError(t, err)
	assert.Error(t, c.UpdateInstructionSet(context.Background(), "llm-1", InstructionUpdate{}))
	assert.Error(t, c.UpdateInstructionSet(context.Background(), "", InstructionUpdate{Prompt: "x"}))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestGetAgentRejectsOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"agent_id":"agent-1","instruction_set_id":"llm-9","agent_name":"`))
		_, _ = w.Write(bytes.Repeat([]byte("a"), maxResponseBytes))
		_, _ = w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	_, err = c.GetAgent(context.Background(), "agent-1")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "decode response")
	assert.False(t, pe.Retryable)
}
