// Package runctx provides the RunContext - per-execution mutable state for
// one pipeline run, plus the result types handed back across the execute
// boundary.
//
// A RunContext is owned exclusively by the execution that created it. There
// is no cross-run shared state; concurrent runs never contend on a lock.
package runctx

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Status & Verdict
// =============================================================================

// Status is the overall outcome of a pipeline run.
type Status string

const (
	// StatusInProgress is the status while a run is executing.
	StatusInProgress Status = "in_progress"
	// StatusSuccess indicates an approved artifact and all stages succeeded.
	StatusSuccess Status = "success"
	// StatusPartialFailure indicates a usable but degraded result: the
	// revision loop exhausted its bound, or a fan-out branch failed.
	StatusPartialFailure Status = "partial_failure"
	// StatusFailed indicates the run produced no usable primary artifact.
	StatusFailed Status = "failed"
)

// VerdictKind classifies a critic evaluation.
type VerdictKind string

const (
	// VerdictApproved indicates the critic explicitly approved the artifact.
	VerdictApproved VerdictKind = "approved"
	// VerdictNeedsRevision indicates another revision round is needed.
	VerdictNeedsRevision VerdictKind = "needs_revision"
	// VerdictFailed indicates the critic invocation itself failed.
	VerdictFailed VerdictKind = "failed"
)

// Verdict is the tagged result of one critic evaluation.
type Verdict struct {
	Kind     VerdictKind `json:"kind"`
	Feedback string      `json:"feedback,omitempty"` // for needs_revision
	Reason   string      `json:"reason,omitempty"`   // for failed
	At       time.Time   `json:"at"`
}

// =============================================================================
// Transcript
// =============================================================================

// Turn is one entry in the run transcript: a role name and the message it
// produced, in chronological order.
type Turn struct {
	Role    string    `json:"role"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// =============================================================================
// Stage Results
// =============================================================================

// ErrorKind classifies a stage failure for the error-reporting contract.
type ErrorKind string

const (
	// ErrorKindNone marks a successful stage.
	ErrorKindNone ErrorKind = ""
	// ErrorKindCallFailed is a transport-level generation failure.
	ErrorKindCallFailed ErrorKind = "call_failed"
	// ErrorKindEmptyResponse is a blank generation result.
	ErrorKindEmptyResponse ErrorKind = "empty_response"
	// ErrorKindMaxRetriesExceeded is a call site that exhausted its retries.
	ErrorKindMaxRetriesExceeded ErrorKind = "max_retries_exceeded"
	// ErrorKindLoopExhausted marks a revision loop that hit its bound.
	ErrorKindLoopExhausted ErrorKind = "loop_exhausted"
	// ErrorKindAnalysisFailed marks the fatal requirement-analysis failure.
	ErrorKindAnalysisFailed ErrorKind = "analysis_failed"
)

// StageResult is the outcome of one pipeline stage.
type StageResult struct {
	Stage    string        `json:"stage"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     ErrorKind     `json:"error_kind,omitempty"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
}

// OK returns true if the stage produced output without error.
func (r StageResult) OK() bool {
	return r.Kind == ErrorKindNone && r.Error == ""
}

// =============================================================================
// RunContext
// =============================================================================

// RunContext is the mutable aggregate owned by one pipeline execution.
// The requirement is read-only after creation; artifacts hold the current
// output text per stage name. Exactly one producer artifact is current at
// any time: each revision overwrites the previous entry.
type RunContext struct {
	RunID       string
	RequestID   string
	Requirement string

	Artifacts  map[string]string
	Iterations int
	Verdicts   []Verdict
	Transcript []Turn

	Status      Status
	StartedAt   time.Time
	CompletedAt *time.Time
}

// New creates a RunContext for the given requirement.
func New(requirement string) *RunContext {
	return &RunContext{
		RunID:       "run_" + uuid.New().String()[:8],
		RequestID:   "req_" + uuid.New().String()[:16],
		Requirement: requirement,
		Artifacts:   make(map[string]string),
		Status:      StatusInProgress,
		StartedAt:   time.Now().UTC(),
	}
}

// SetArtifact stores the current artifact for a stage, replacing any prior one.
func (rc *RunContext) SetArtifact(stage, text string) {
	rc.Artifacts[stage] = text
}

// Artifact gets the current artifact for a stage.
func (rc *RunContext) Artifact(stage string) string {
	return rc.Artifacts[stage]
}

// RecordTurn appends a transcript entry.
func (rc *RunContext) RecordTurn(role, message string) {
	rc.Transcript = append(rc.Transcript, Turn{
		Role:    role,
		Message: message,
		At:      time.Now().UTC(),
	})
}

// RecordVerdict appends a critic verdict and bumps the iteration count.
func (rc *RunContext) RecordVerdict(v Verdict) {
	rc.Verdicts = append(rc.Verdicts, v)
	rc.Iterations++
}

// Finish marks the run complete with the given status.
func (rc *RunContext) Finish(status Status) {
	rc.Status = status
	now := time.Now().UTC()
	rc.CompletedAt = &now
}

// =============================================================================
// RunResult
// =============================================================================

// RunResult is the final output of execute: all stage results, the loop
// iteration count, the overall status, and the full interaction transcript.
// All failure is expressed here as data; execute never panics across its
// boundary.
type RunResult struct {
	RunID       string                 `json:"run_id"`
	Requirement string                 `json:"requirement"`
	Status      Status                 `json:"status"`
	Iterations  int                    `json:"iterations"`
	Stages      map[string]StageResult `json:"stages"`
	Transcript  []Turn                 `json:"transcript"`

	// FailedStage and FailureKind identify the terminating stage when
	// Status is failed.
	FailedStage string    `json:"failed_stage,omitempty"`
	FailureKind ErrorKind `json:"failure_kind,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	// SaveRequested mirrors the caller's save_outputs option for the
	// persistence collaborator.
	SaveRequested bool `json:"save_requested"`
}

// Result assembles the RunResult from the context state and the collected
// stage results.
func (rc *RunContext) Result(stages map[string]StageResult) *RunResult {
	completed := time.Now().UTC()
	if rc.CompletedAt != nil {
		completed = *rc.CompletedAt
	}
	res := &RunResult{
		RunID:       rc.RunID,
		Requirement: rc.Requirement,
		Status:      rc.Status,
		Iterations:  rc.Iterations,
		Stages:      stages,
		Transcript:  append([]Turn(nil), rc.Transcript...),
		StartedAt:   rc.StartedAt,
		CompletedAt: completed,
		Duration:    completed.Sub(rc.StartedAt),
	}
	return res
}
