// Package llm provides the outbound generation client for OpenAI-compatible
// chat completion endpoints.
//
// The client is deliberately thin: one HTTP round trip per Generate call,
// client-side rate limiting, and honest error reporting. Retries live in the
// retry package, never here.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/atelier-sh/atelier/engine/config"
	"github.com/atelier-sh/atelier/engine/observability"
	"github.com/atelier-sh/atelier/engine/retry"
	"github.com/atelier-sh/atelier/engine/roles"
)

const providerName = "openai"

// maxErrorBodyBytes caps the response snippet included in error messages.
const maxErrorBodyBytes = 512

// Client calls an OpenAI-compatible /chat/completions endpoint. Safe for
// concurrent use.
type Client struct {
	cfg     config.GenerationConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  roles.Logger
}

// NewClient builds a Client from the generation configuration. A zero
// RequestsPerMinute disables client-side rate limiting.
func NewClient(cfg config.GenerationConfig, logger roles.Logger) *Client {
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return &Client{
		cfg: cfg,
		// Per-call deadlines come from the role timeout on ctx; this is the
		// hard upper bound for a stuck connection.
		http:    &http.Client{Timeout: 5 * time.Minute},
		limiter: limiter,
		logger:  logger.Bind("component", "llm_client"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate implements roles.Provider. It returns the first choice's content
// verbatim; blank content is returned as-is and classified by the caller.
func (c *Client) Generate(ctx context.Context, role string, messages []roles.Message, opts roles.Options) (string, error) {
	if c.cfg.APIKey == "" {
		// Misconfiguration, not a transient fault. Fail the first call.
		return "", retry.Permanent(fmt.Errorf("generation API key is not set"))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    toChatMessages(messages),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		observability.RecordGenerationCall(providerName, c.cfg.Model, "error", durationMS)
		c.logger.Error("generation_call_failed", "role", role, "error", err.Error())
		return "", fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.RecordGenerationCall(providerName, c.cfg.Model, "error", durationMS)
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		observability.RecordGenerationCall(providerName, c.cfg.Model, "error", durationMS)
		c.logger.Error("generation_call_http_error",
			"role", role,
			"status_code", resp.StatusCode,
		)
		return "", fmt.Errorf("generation API returned %d: %s", resp.StatusCode, bodySnippet(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		observability.RecordGenerationCall(providerName, c.cfg.Model, "error", durationMS)
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		observability.RecordGenerationCall(providerName, c.cfg.Model, "error", durationMS)
		return "", fmt.Errorf("generation API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		observability.RecordGenerationCall(providerName, c.cfg.Model, "error", durationMS)
		return "", fmt.Errorf("generation API returned no choices")
	}

	observability.RecordGenerationCall(providerName, c.cfg.Model, "success", durationMS)
	c.logger.Debug("generation_call_completed",
		"role", role,
		"duration_ms", durationMS,
	)
	return parsed.Choices[0].Message.Content, nil
}

func toChatMessages(messages []roles.Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: m.Speaker, Content: m.Text}
	}
	return out
}

func bodySnippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBodyBytes {
		s = s[:maxErrorBodyBytes] + "..."
	}
	return s
}
