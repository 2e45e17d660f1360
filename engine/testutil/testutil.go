// Package testutil provides test doubles for the engine packages.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/atelier-sh/atelier/engine/roles"
)

// ScriptedProvider is a roles.Provider whose responses are scripted per role.
// Safe for concurrent use, so fan-out tests can share one instance.
//
// Resolution order per call: GenerateFunc if set, then the role's error
// injection, then the role's response queue (last entry repeats), then the
// Default response.
type ScriptedProvider struct {
	mu sync.Mutex

	// Default is returned when a role has no script.
	Default string

	// GenerateFunc overrides all scripting when set.
	GenerateFunc func(ctx context.Context, role string, messages []roles.Message, opts roles.Options) (string, error)

	queues map[string][]string
	errs   map[string]error
	calls  map[string]int

	// history records every conversation passed in, keyed by role.
	history map[string][][]roles.Message
}

// NewScriptedProvider creates a provider that answers "ok" by default.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{
		Default: "ok",
		queues:  make(map[string][]string),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
		history: make(map[string][][]roles.Message),
	}
}

// Script queues responses for a role. Successive calls consume the queue in
// order; the last entry repeats once the queue is exhausted.
func (p *ScriptedProvider) Script(role string, responses ...string) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[role] = append(p.queues[role], responses...)
	return p
}

// Fail makes every call for the role return err.
func (p *ScriptedProvider) Fail(role string, err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[role] = err
	return p
}

// FailNTimes makes the role's first n calls return err, then fall through to
// its script.
func (p *ScriptedProvider) FailNTimes(role string, n int, err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[role] = &countedError{remaining: n, err: err}
	return p
}

// Calls returns how many times the role has been invoked.
func (p *ScriptedProvider) Calls(role string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[role]
}

// TotalCalls returns the invocation count across all roles.
func (p *ScriptedProvider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// LastMessages returns the conversation from the role's most recent call, or
// nil if it was never called.
func (p *ScriptedProvider) LastMessages(role string) []roles.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	hist := p.history[role]
	if len(hist) == 0 {
		return nil
	}
	return hist[len(hist)-1]
}

// Generate implements roles.Provider.
func (p *ScriptedProvider) Generate(ctx context.Context, role string, messages []roles.Message, opts roles.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.GenerateFunc != nil {
		return p.GenerateFunc(ctx, role, messages, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[role]++
	p.history[role] = append(p.history[role], append([]roles.Message(nil), messages...))

	if err := p.errs[role]; err != nil {
		if ce, ok := err.(*countedError); ok {
			if ce.remaining > 0 {
				ce.remaining--
				return "", ce.err
			}
		} else {
			return "", err
		}
	}

	queue := p.queues[role]
	switch {
	case len(queue) > 1:
		resp := queue[0]
		p.queues[role] = queue[1:]
		return resp, nil
	case len(queue) == 1:
		return queue[0], nil
	default:
		return p.Default, nil
	}
}

type countedError struct {
	remaining int
	err       error
}

func (e *countedError) Error() string {
	return fmt.Sprintf("injected failure (%d remaining): %v", e.remaining, e.err)
}

// NopLogger is a roles.Logger that discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

func (l NopLogger) Bind(...any) roles.Logger { return l }
