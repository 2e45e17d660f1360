// Package roles provides the Role - a named binding of a fixed system
// instruction to the external generation capability.
//
// A Role is stateless between invocations: each call is a pure function of
// the conversation history it is given. Retries are layered on externally by
// the retry package, never inside Invoke.
package roles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atelier-sh/atelier/engine/config"
	"github.com/atelier-sh/atelier/engine/observability"
	"github.com/atelier-sh/atelier/engine/runctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Speaker values for conversation messages.
const (
	SpeakerSystem    = "system"
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Message is one (speaker, text) pair in a conversation history.
type Message struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Options carries the role's generation parameters to the provider.
type Options struct {
	Temperature *float64
	MaxTokens   *int
}

// Provider is the interface for the external generation capability.
// Implementations must honor ctx cancellation and deadlines.
type Provider interface {
	Generate(ctx context.Context, role string, messages []Message, opts Options) (string, error)
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

var tracer = otel.Tracer("atelier/roles")

// Role binds a fixed instruction and generation parameters to a Provider.
// Immutable after construction; safe for concurrent use.
type Role struct {
	Config   *config.RoleConfig
	Name     string
	Logger   Logger
	Provider Provider

	// defaultTimeout applies when the role config has no timeout of its own.
	defaultTimeout time.Duration
}

// New creates a Role. The provider is required: a role without a generation
// capability cannot be invoked.
func New(cfg *config.RoleConfig, logger Logger, provider Provider, defaultTimeout time.Duration) (*Role, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, fmt.Errorf("role '%s' has no provider", cfg.Name)
	}
	return &Role{
		Config:         cfg,
		Name:           cfg.Name,
		Logger:         logger.Bind("role", cfg.Name),
		Provider:       provider,
		defaultTimeout: defaultTimeout,
	}, nil
}

// Timeout returns the effective per-invocation timeout.
func (r *Role) Timeout() time.Duration {
	if r.Config.TimeoutSeconds > 0 {
		return time.Duration(r.Config.TimeoutSeconds) * time.Second
	}
	return r.defaultTimeout
}

// Invoke sends the conversation history to the generation capability with
// this role's instruction prepended as the system message. It either returns
// non-empty text or an *Error carrying the failure kind: empty_response when
// the call succeeded but produced blank content, call_failed for transport
// errors and timeouts.
func (r *Role) Invoke(ctx context.Context, history []Message) (string, error) {
	ctx, span := tracer.Start(ctx, "role.invoke",
		trace.WithAttributes(attribute.String("atelier.role.name", r.Name)),
	)
	defer span.End()

	if timeout := r.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Speaker: SpeakerSystem, Text: r.Config.Instruction})
	messages = append(messages, history...)

	start := time.Now()
	text, err := r.Provider.Generate(ctx, r.Name, messages, Options{
		Temperature: r.Config.Temperature,
		MaxTokens:   r.Config.MaxTokens,
	})
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		observability.RecordRoleInvocation(r.Name, "error", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.Logger.Error("role_invoke_error", "error", err.Error(), "duration_ms", durationMS)
		return "", &Error{Role: r.Name, Kind: runctx.ErrorKindCallFailed, Err: err}
	}

	if strings.TrimSpace(text) == "" {
		observability.RecordRoleInvocation(r.Name, "empty", durationMS)
		span.SetStatus(codes.Error, "empty response")
		r.Logger.Warn("role_empty_response", "duration_ms", durationMS)
		return "", &Error{
			Role: r.Name,
			Kind: runctx.ErrorKindEmptyResponse,
			Err:  fmt.Errorf("generation returned blank content"),
		}
	}

	observability.RecordRoleInvocation(r.Name, "success", durationMS)
	span.SetStatus(codes.Ok, "success")
	span.SetAttributes(attribute.Int("atelier.response.length", len(text)))
	r.Logger.Debug("role_invoke_completed",
		"duration_ms", durationMS,
		"response_length", len(text),
	)
	return text, nil
}
