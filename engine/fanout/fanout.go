// Package fanout runs the downstream roles of a pipeline concurrently.
//
// Each configured branch receives the same approved (or last retained)
// artifact and runs in its own goroutine with independent retries. Branch
// failures are isolated: one branch failing never cancels or short-circuits
// its siblings, and the result map always carries exactly one entry per
// configured branch.
package fanout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atelier-sh/atelier/engine/config"
	"github.com/atelier-sh/atelier/engine/events"
	"github.com/atelier-sh/atelier/engine/retry"
	"github.com/atelier-sh/atelier/engine/roles"
	"github.com/atelier-sh/atelier/engine/runctx"
)

// Input carries the upstream artifacts a branch prompt is built from.
type Input struct {
	Requirement string // raw user requirement
	Analysis    string // structured requirement artifact
	Artifact    string // producer artifact after the revision loop
	Review      string // final critic output, may be empty
}

// PromptFunc builds the conversation for one branch. Overridable per
// coordinator; nil selects DefaultPrompt.
type PromptFunc func(stage string, in Input) []roles.Message

// Coordinator fans one artifact out to N downstream roles. Immutable after
// construction.
type Coordinator struct {
	Roles  []*roles.Role
	Retry  retry.Policy
	Logger roles.Logger
	Bus    *events.Bus
	Prompt PromptFunc
}

type branchResult struct {
	result runctx.StageResult
	turn   string
}

// RunAll executes every branch concurrently and blocks until all have
// finished. The returned map has one StageResult per configured role,
// successful or not. Transcript turns are recorded on rc after the join, in
// configured branch order, so the transcript stays deterministic.
func (c *Coordinator) RunAll(ctx context.Context, rc *runctx.RunContext, in Input) map[string]runctx.StageResult {
	ctx, span := otel.Tracer("atelier/fanout").Start(ctx, "fanout.run_all")
	span.SetAttributes(
		attribute.String("run_id", rc.RunID),
		attribute.Int("branches", len(c.Roles)),
	)
	defer span.End()

	c.Logger.Info("fanout_started",
		"run_id", rc.RunID,
		"branches", len(c.Roles),
	)

	prompt := c.Prompt
	if prompt == nil {
		prompt = DefaultPrompt
	}

	resultCh := make(chan branchResult, len(c.Roles))
	var wg sync.WaitGroup

	for _, role := range c.Roles {
		wg.Add(1)
		go func(role *roles.Role) {
			defer wg.Done()
			resultCh <- c.runBranch(ctx, rc.RunID, role, prompt(role.Name, in))
		}(role)
	}

	wg.Wait()
	close(resultCh)

	results := make(map[string]runctx.StageResult, len(c.Roles))
	turns := make(map[string]string, len(c.Roles))
	for br := range resultCh {
		results[br.result.Stage] = br.result
		if br.result.OK() {
			turns[br.result.Stage] = br.turn
		}
	}

	// Record artifacts and transcript turns single-threaded, in branch order.
	for _, role := range c.Roles {
		text, ok := turns[role.Name]
		if !ok {
			continue
		}
		rc.SetArtifact(role.Name, text)
		rc.RecordTurn(role.Name, text)
	}

	failed := failedBranches(results)
	if len(failed) > 0 {
		c.Logger.Warn("fanout_completed_with_failures",
			"run_id", rc.RunID,
			"failed_branches", fmt.Sprintf("%v", failed),
		)
	} else {
		c.Logger.Info("fanout_completed", "run_id", rc.RunID)
	}
	return results
}

// runBranch executes a single branch under the retry policy. Never panics
// across the channel boundary: any failure lands in the StageResult.
func (c *Coordinator) runBranch(ctx context.Context, runID string, role *roles.Role, history []roles.Message) branchResult {
	c.publish(events.StageStarted{RunID: runID, Stage: role.Name})

	start := time.Now()
	text, attempts, err := c.Retry.Do(ctx, func() (string, error) {
		return role.Invoke(ctx, history)
	})
	elapsed := time.Since(start)

	result := runctx.StageResult{
		Stage:    role.Name,
		Duration: elapsed,
		Attempts: attempts,
	}

	if err != nil {
		result.Error = err.Error()
		result.Kind = roles.FailureKind(err)
		c.Logger.Error("fanout_branch_failed",
			"run_id", runID,
			"stage", role.Name,
			"attempts", attempts,
			"error", err.Error(),
		)
		c.publish(events.StageCompleted{
			RunID:    runID,
			Stage:    role.Name,
			Status:   "error",
			Err:      err.Error(),
			Duration: elapsed,
		})
		return branchResult{result: result}
	}

	result.Output = text
	c.publish(events.StageCompleted{
		RunID:    runID,
		Stage:    role.Name,
		Status:   "success",
		Duration: elapsed,
	})
	return branchResult{result: result, turn: text}
}

func (c *Coordinator) publish(e events.Event) {
	if c.Bus != nil {
		c.Bus.Publish(e)
	}
}

func failedBranches(results map[string]runctx.StageResult) []string {
	var failed []string
	for stage, res := range results {
		if !res.OK() {
			failed = append(failed, stage)
		}
	}
	sort.Strings(failed)
	return failed
}

// uiArtifactLimit truncates the implementation in the UI prompt. The UI role
// needs the project shape, not every line of code.
const uiArtifactLimit = 1500

// DefaultPrompt hands every branch the approved artifact plus the structured
// requirements as context. The UI stage gets a composite prompt built from the
// raw requirement and a truncated implementation; sibling branch outputs are
// never included, because branches run concurrently.
func DefaultPrompt(stage string, in Input) []roles.Message {
	if stage == config.StageUI {
		return []roles.Message{
			{Speaker: roles.SpeakerUser, Text: fmt.Sprintf(
				"Project description:\n%s\n\nStructured requirements:\n\n%s\n\nImplementation (may be truncated):\n\n%s\n\nProduce the web UI for this project.",
				in.Requirement, in.Analysis, truncate(in.Artifact, uiArtifactLimit),
			)},
		}
	}
	return []roles.Message{
		{Speaker: roles.SpeakerUser, Text: fmt.Sprintf(
			"Structured requirements:\n\n%s\n\nImplementation:\n\n%s\n\nProduce your deliverable for the implementation above.",
			in.Analysis, in.Artifact,
		)},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (truncated)"
}
