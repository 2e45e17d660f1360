// Package llm tests for the generation client
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-sh/atelier/engine/config"
	"github.com/atelier-sh/atelier/engine/retry"
	"github.com/atelier-sh/atelier/engine/roles"
	"github.com/atelier-sh/atelier/engine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func chatOK(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + mustJSON(content) + `}}]}`
}

func mustJSON(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

func newTestClient(serverURL string) *Client {
	return NewClient(config.GenerationConfig{
		BaseURL: serverURL,
		Model:   "test-model",
		APIKey:  "sk-test",
	}, testutil.NopLogger{})
}

func userMessage(text string) []roles.Message {
	return []roles.Message{{Speaker: roles.SpeakerUser, Text: text}}
}

// =============================================================================
// REQUEST SHAPE TESTS
// =============================================================================

func TestGenerateSendsChatCompletionRequest(t *testing.T) {
	// The request carries the model, mapped messages, auth header, and the
	// role's generation parameters.
	var got chatRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(chatOK("generated text")))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	temp := 0.2
	tokens := 100
	out, err := client.Generate(context.Background(), "code", []roles.Message{
		{Speaker: roles.SpeakerSystem, Text: "You are a developer."},
		{Speaker: roles.SpeakerUser, Text: "write code"},
	}, roles.Options{Temperature: &temp, MaxTokens: &tokens})

	require.NoError(t, err)
	assert.Equal(t, "generated text", out)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.2, *got.Temperature)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 100, *got.MaxTokens)
}

func TestGenerateTrimsBaseURLSlash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Write([]byte(chatOK("ok")))
	}))
	defer server.Close()

	client := NewClient(config.GenerationConfig{
		BaseURL: server.URL + "/v1/",
		Model:   "test-model",
		APIKey:  "sk-test",
	}, testutil.NopLogger{})

	_, err := client.Generate(context.Background(), "code", userMessage("x"), roles.Options{})
	require.NoError(t, err)
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestGenerateMissingAPIKeyIsPermanent(t *testing.T) {
	// Misconfiguration must not burn retry attempts.
	client := NewClient(config.GenerationConfig{
		BaseURL: "http://localhost:0",
		Model:   "test-model",
	}, testutil.NopLogger{})

	_, err := client.Generate(context.Background(), "code", userMessage("x"), roles.Options{})

	require.Error(t, err)
	var permanent *retry.PermanentError
	assert.True(t, errors.As(err, &permanent))
}

func TestGenerateHTTPErrorIncludesBodySnippet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Generate(context.Background(), "code", userMessage("x"), roles.Options{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestGenerateAPIErrorBody(t *testing.T) {
	// Some compatible endpoints return 200 with an error object.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Generate(context.Background(), "code", userMessage("x"), roles.Options{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestGenerateNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Generate(context.Background(), "code", userMessage("x"), roles.Options{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestGenerateBlankContentIsNotAnError(t *testing.T) {
	// Blank content is returned as-is; classification belongs to the role
	// layer, not the transport.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatOK("")))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	out, err := client.Generate(context.Background(), "code", userMessage("x"), roles.Options{})

	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGenerateConnectionRefused(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")
	_, err := client.Generate(context.Background(), "code", userMessage("x"), roles.Options{})

	require.Error(t, err)
	var permanent *retry.PermanentError
	assert.False(t, errors.As(err, &permanent), "transport errors stay retryable")
}

// =============================================================================
// RATE LIMITING TESTS
// =============================================================================

func TestGenerateRateLimiterHonorsContext(t *testing.T) {
	// With an exhausted limiter, a cancelled context aborts the wait.
	client := NewClient(config.GenerationConfig{
		BaseURL:           "http://localhost:0",
		Model:             "test-model",
		APIKey:            "sk-test",
		RequestsPerMinute: 1,
	}, testutil.NopLogger{})
	require.NotNil(t, client.limiter)

	// Burn the single available token.
	require.True(t, client.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Generate(ctx, "code", userMessage("x"), roles.Options{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestNewClientWithoutRateLimit(t *testing.T) {
	client := NewClient(config.GenerationConfig{Model: "m"}, testutil.NopLogger{})
	assert.Nil(t, client.limiter)
}
