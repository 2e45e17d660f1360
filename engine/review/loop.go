// Package review provides the producer/critic revision loop.
//
// The loop drives a producer role and a critic role through bounded
// iterations: Drafting -> UnderReview -> {Approved, Revising} -> UnderReview
// -> ... -> Approved | Exhausted. The loop is single-threaded, so each critic
// invocation sees exactly the artifact produced by the immediately preceding
// producer invocation.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/atelier-sh/atelier/engine/events"
	"github.com/atelier-sh/atelier/engine/retry"
	"github.com/atelier-sh/atelier/engine/roles"
	"github.com/atelier-sh/atelier/engine/runctx"
)

// State is a revision loop state.
type State string

const (
	// StateDrafting is the initial state, before the first producer artifact.
	StateDrafting State = "drafting"
	// StateUnderReview means the critic is evaluating the current artifact.
	StateUnderReview State = "under_review"
	// StateRevising means the producer is reworking the artifact.
	StateRevising State = "revising"
	// StateApproved is the terminal state for an accepted artifact.
	StateApproved State = "approved"
	// StateExhausted is the terminal state when the revision bound is hit.
	// The last produced artifact is retained; the run degrades rather than
	// aborts.
	StateExhausted State = "exhausted"
	// StateFailed is the terminal state for a role failure past its retries.
	StateFailed State = "failed"
)

// Loop drives the producer and critic roles. Immutable after construction.
type Loop struct {
	Producer *roles.Role
	Critic   *roles.Role

	// MaxRounds bounds producer re-invocations after the first draft.
	MaxRounds int

	Retry  retry.Policy
	Logger roles.Logger
	Bus    *events.Bus
}

// Outcome is the loop's terminal result. Both Approved and Exhausted carry a
// final artifact; only Failed does not guarantee one.
type Outcome struct {
	State    State
	Artifact string // most recent producer output
	Review   string // most recent critic output

	// Reviews counts critic evaluations; Revisions counts producer
	// re-invocations after the first draft.
	Reviews   int
	Revisions int

	// ProducerResult and CriticResult carry cumulative timing and attempt
	// counts for the two stages.
	ProducerResult runctx.StageResult
	CriticResult   runctx.StageResult

	// FailedRole and Err are set only in StateFailed.
	FailedRole string
	Err        error
}

// Run executes the loop for one pipeline run. requirement is the raw user
// requirement, analysis the structured requirement artifact the producer
// consumes. Transcript turns and verdicts are recorded on rc as they happen.
func (l *Loop) Run(ctx context.Context, rc *runctx.RunContext, requirement, analysis string) Outcome {
	out := Outcome{
		State:          StateDrafting,
		ProducerResult: runctx.StageResult{Stage: l.Producer.Name},
		CriticResult:   runctx.StageResult{Stage: l.Critic.Name},
	}

	l.Logger.Info("revision_loop_started",
		"run_id", rc.RunID,
		"max_rounds", l.MaxRounds,
	)

	// First draft: no feedback yet.
	draft, err := l.invokeProducer(ctx, rc, &out, []roles.Message{
		{Speaker: roles.SpeakerUser, Text: draftPrompt(analysis)},
	})
	if err != nil {
		return l.fail(rc, out, l.Producer.Name, err)
	}
	out.Artifact = draft

	for {
		out.State = StateUnderReview
		reviewText, err := l.invokeCritic(ctx, rc, &out, requirement, analysis)
		if err != nil {
			return l.fail(rc, out, l.Critic.Name, err)
		}
		out.Review = reviewText

		verdict := Parse(reviewText)
		rc.RecordVerdict(verdict)

		if verdict.Kind == runctx.VerdictApproved {
			out.State = StateApproved
			l.Logger.Info("revision_loop_approved",
				"run_id", rc.RunID,
				"reviews", out.Reviews,
				"revisions", out.Revisions,
			)
			return out
		}

		if out.Revisions >= l.MaxRounds {
			// Bound reached: keep the last artifact and degrade, because a
			// usable-but-imperfect result beats none.
			out.State = StateExhausted
			l.Logger.Warn("revision_loop_exhausted",
				"run_id", rc.RunID,
				"reviews", out.Reviews,
				"revisions", out.Revisions,
			)
			return out
		}

		out.State = StateRevising
		revised, err := l.invokeProducer(ctx, rc, &out, revisionHistory(requirement, analysis, out.Artifact, verdict.Feedback))
		if err != nil {
			return l.fail(rc, out, l.Producer.Name, err)
		}
		out.Artifact = revised
		out.Revisions++
	}
}

func (l *Loop) invokeProducer(ctx context.Context, rc *runctx.RunContext, out *Outcome, history []roles.Message) (string, error) {
	text, err := l.invoke(ctx, rc, l.Producer, &out.ProducerResult, history)
	if err == nil {
		rc.SetArtifact(l.Producer.Name, text)
		out.ProducerResult.Output = text
	}
	return text, err
}

func (l *Loop) invokeCritic(ctx context.Context, rc *runctx.RunContext, out *Outcome, requirement, analysis string) (string, error) {
	text, err := l.invoke(ctx, rc, l.Critic, &out.CriticResult, []roles.Message{
		{Speaker: roles.SpeakerUser, Text: reviewPrompt(out.Artifact, analysis)},
	})
	if err == nil {
		out.Reviews++
		rc.SetArtifact(l.Critic.Name, text)
		out.CriticResult.Output = text
	}
	return text, err
}

// invoke runs one role invocation under the retry policy and accumulates
// timing, attempts, and the transcript turn.
func (l *Loop) invoke(ctx context.Context, rc *runctx.RunContext, role *roles.Role, result *runctx.StageResult, history []roles.Message) (string, error) {
	l.publish(events.StageStarted{RunID: rc.RunID, Stage: role.Name})

	start := time.Now()
	text, attempts, err := l.Retry.Do(ctx, func() (string, error) {
		return role.Invoke(ctx, history)
	})
	elapsed := time.Since(start)

	result.Duration += elapsed
	result.Attempts += attempts

	if err != nil {
		l.publish(events.StageCompleted{
			RunID:    rc.RunID,
			Stage:    role.Name,
			Status:   "error",
			Err:      err.Error(),
			Duration: elapsed,
		})
		return "", err
	}

	rc.RecordTurn(role.Name, text)
	l.publish(events.StageCompleted{
		RunID:    rc.RunID,
		Stage:    role.Name,
		Status:   "success",
		Duration: elapsed,
	})
	return text, nil
}

func (l *Loop) fail(rc *runctx.RunContext, out Outcome, roleName string, err error) Outcome {
	out.State = StateFailed
	out.FailedRole = roleName
	out.Err = err
	l.Logger.Error("revision_loop_failed",
		"run_id", rc.RunID,
		"role", roleName,
		"error", err.Error(),
	)
	return out
}

func (l *Loop) publish(e events.Event) {
	if l.Bus != nil {
		l.Bus.Publish(e)
	}
}

// =============================================================================
// PROMPT CONSTRUCTION
// =============================================================================

func draftPrompt(analysis string) string {
	return fmt.Sprintf("Generate the implementation for the following structured requirements:\n\n%s", analysis)
}

// revisionHistory rebuilds the producer conversation for a revision round:
// the original requirement and analysis, the prior artifact as the
// producer's own previous turn, and the critic feedback as the new request.
func revisionHistory(requirement, analysis, prior, feedback string) []roles.Message {
	return []roles.Message{
		{Speaker: roles.SpeakerUser, Text: fmt.Sprintf("Original requirement:\n%s\n\nStructured requirements:\n\n%s", requirement, analysis)},
		{Speaker: roles.SpeakerAssistant, Text: prior},
		{Speaker: roles.SpeakerUser, Text: fmt.Sprintf("The reviewer requested changes:\n\n%s\n\nRevise your previous implementation to address every point. Output the complete revised implementation.", feedback)},
	}
}

func reviewPrompt(artifact, analysis string) string {
	return fmt.Sprintf("Review the following implementation:\n\n%s\n\nOriginal Requirements:\n%s\n\nVerify the implementation satisfies all requirements.", artifact, analysis)
}
