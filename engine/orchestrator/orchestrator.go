// Package orchestrator provides the Pipeline - the top-level state machine
// that drives one requirement through analysis, the producer/critic revision
// loop, and the concurrent fan-out stages.
//
// Execute returns a RunResult in every case. Failure is expressed as data in
// the result, never as a panic or an error return across the boundary.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atelier-sh/atelier/engine/config"
	"github.com/atelier-sh/atelier/engine/events"
	"github.com/atelier-sh/atelier/engine/fanout"
	"github.com/atelier-sh/atelier/engine/observability"
	"github.com/atelier-sh/atelier/engine/retry"
	"github.com/atelier-sh/atelier/engine/review"
	"github.com/atelier-sh/atelier/engine/roles"
	"github.com/atelier-sh/atelier/engine/runctx"
)

var tracer = otel.Tracer("atelier/orchestrator")

// RunOptions are per-run overrides for Execute.
type RunOptions struct {
	// SaveOutputs requests artifact persistence after the run. The
	// orchestrator only records the request; the caller owns the writer.
	SaveOutputs bool

	// MaxRevisionRounds overrides the configured revision bound when > 0.
	MaxRevisionRounds int

	// Timeout bounds the whole run when > 0. Individual stages are still
	// bounded by their own configured timeouts.
	Timeout time.Duration
}

// Pipeline executes runs against a fixed configuration and provider.
// Immutable after construction; safe for concurrent Execute calls.
type Pipeline struct {
	cfg    *config.EngineConfig
	logger roles.Logger
	bus    *events.Bus
	retry  retry.Policy

	analysis *roles.Role
	producer *roles.Role
	critic   *roles.Role
	branches []*roles.Role

	// byStage indexes every role for single-step execution.
	byStage map[string]*roles.Role
}

// New builds a Pipeline from validated configuration. Every configured role
// is bound to the same provider.
func New(cfg *config.EngineConfig, provider roles.Provider, logger roles.Logger, bus *events.Bus) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		logger:  logger.Bind("pipeline", cfg.Pipeline.Name),
		bus:     bus,
		retry:   retry.FromConfig(cfg.Retry),
		byStage: make(map[string]*roles.Role),
	}

	build := func(rc *config.RoleConfig) (*roles.Role, error) {
		role, err := roles.New(rc, logger, provider, cfg.Pipeline.StageTimeout.Std())
		if err != nil {
			return nil, err
		}
		p.byStage[role.Name] = role
		return role, nil
	}

	var err error
	if p.analysis, err = build(&cfg.Pipeline.Analysis); err != nil {
		return nil, err
	}
	if p.producer, err = build(&cfg.Pipeline.Producer); err != nil {
		return nil, err
	}
	if p.critic, err = build(&cfg.Pipeline.Critic); err != nil {
		return nil, err
	}
	for i := range cfg.Pipeline.FanOut {
		branch, err := build(&cfg.Pipeline.FanOut[i])
		if err != nil {
			return nil, err
		}
		p.branches = append(p.branches, branch)
	}
	return p, nil
}

// Execute runs the full pipeline for one requirement.
func (p *Pipeline) Execute(ctx context.Context, requirement string, opts RunOptions) *runctx.RunResult {
	rc := runctx.New(requirement)
	logger := p.logger.Bind("run_id", rc.RunID)

	ctx, span := tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("run_id", rc.RunID),
			attribute.String("pipeline", p.cfg.Pipeline.Name),
		),
	)
	defer span.End()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	p.publish(events.RunStarted{RunID: rc.RunID, Requirement: requirement})
	logger.Info("pipeline_run_started", "requirement_length", len(requirement))

	stages := make(map[string]runctx.StageResult)

	if strings.TrimSpace(requirement) == "" {
		stages[p.analysis.Name] = runctx.StageResult{
			Stage: p.analysis.Name,
			Error: "requirement is empty",
			Kind:  runctx.ErrorKindAnalysisFailed,
		}
		return p.finish(rc, logger, opts, stages, runctx.StatusFailed, p.analysis.Name, runctx.ErrorKindAnalysisFailed)
	}

	// Stage 1: requirement analysis. A failure here is fatal - every later
	// stage consumes the structured requirement artifact.
	analysisResult := p.runStage(ctx, rc, p.analysis, []roles.Message{
		{Speaker: roles.SpeakerUser, Text: analysisPrompt(requirement)},
	})
	stages[p.analysis.Name] = analysisResult
	if !analysisResult.OK() {
		logger.Error("pipeline_analysis_failed", "error", analysisResult.Error)
		return p.finish(rc, logger, opts, stages, runctx.StatusFailed, p.analysis.Name, runctx.ErrorKindAnalysisFailed)
	}
	analysis := analysisResult.Output

	// Stage 2: producer/critic revision loop.
	maxRounds := p.cfg.Pipeline.MaxRevisionRounds
	if opts.MaxRevisionRounds > 0 {
		maxRounds = opts.MaxRevisionRounds
	}
	loop := &review.Loop{
		Producer:  p.producer,
		Critic:    p.critic,
		MaxRounds: maxRounds,
		Retry:     p.retry,
		Logger:    logger,
		Bus:       p.bus,
	}
	outcome := loop.Run(ctx, rc, requirement, analysis)
	stages[p.producer.Name] = outcome.ProducerResult
	stages[p.critic.Name] = outcome.CriticResult

	if outcome.State == review.StateFailed {
		logger.Error("pipeline_loop_failed",
			"failed_role", outcome.FailedRole,
			"error", outcome.Err.Error(),
		)
		return p.finish(rc, logger, opts, stages, runctx.StatusFailed, outcome.FailedRole, roles.FailureKind(outcome.Err))
	}

	// Stage 3: concurrent fan-out. An exhausted loop still fans out - the
	// last retained artifact is usable, just unapproved.
	coordinator := &fanout.Coordinator{
		Roles:  p.branches,
		Retry:  p.retry,
		Logger: logger,
		Bus:    p.bus,
	}
	branchResults := coordinator.RunAll(ctx, rc, fanout.Input{
		Requirement: requirement,
		Analysis:    analysis,
		Artifact:    outcome.Artifact,
		Review:      outcome.Review,
	})
	branchesOK := true
	for stage, res := range branchResults {
		stages[stage] = res
		if !res.OK() {
			branchesOK = false
		}
	}

	// Stage 4: result assembly.
	status := runctx.StatusSuccess
	failedStage := ""
	failureKind := runctx.ErrorKindNone
	if outcome.State == review.StateExhausted {
		status = runctx.StatusPartialFailure
		failedStage = p.critic.Name
		failureKind = runctx.ErrorKindLoopExhausted
	}
	if !branchesOK {
		status = runctx.StatusPartialFailure
	}
	return p.finish(rc, logger, opts, stages, status, failedStage, failureKind)
}

// ExecuteStage runs a single named stage in isolation, outside any run. The
// inputs map is rendered into the user prompt as titled sections, sorted by
// key for determinism.
func (p *Pipeline) ExecuteStage(ctx context.Context, stage string, inputs map[string]string) runctx.StageResult {
	role, ok := p.byStage[stage]
	if !ok {
		return runctx.StageResult{
			Stage: stage,
			Error: fmt.Sprintf("unknown stage '%s'", stage),
			Kind:  runctx.ErrorKindCallFailed,
		}
	}
	rc := runctx.New("")
	return p.runStage(ctx, rc, role, []roles.Message{
		{Speaker: roles.SpeakerUser, Text: renderInputs(inputs)},
	})
}

// Stages returns the ordered stage names of the configured pipeline.
func (p *Pipeline) Stages() []string {
	names := []string{p.analysis.Name, p.producer.Name, p.critic.Name}
	for _, b := range p.branches {
		names = append(names, b.Name)
	}
	return names
}

// runStage is one retried role invocation with event publication and
// transcript recording.
func (p *Pipeline) runStage(ctx context.Context, rc *runctx.RunContext, role *roles.Role, history []roles.Message) runctx.StageResult {
	p.publish(events.StageStarted{RunID: rc.RunID, Stage: role.Name})

	start := time.Now()
	text, attempts, err := p.retry.Do(ctx, func() (string, error) {
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
		p.publish(events.StageCompleted{
			RunID:    rc.RunID,
			Stage:    role.Name,
			Status:   "error",
			Err:      err.Error(),
			Duration: elapsed,
		})
		return result
	}

	result.Output = text
	rc.SetArtifact(role.Name, text)
	rc.RecordTurn(role.Name, text)
	p.publish(events.StageCompleted{
		RunID:    rc.RunID,
		Stage:    role.Name,
		Status:   "success",
		Duration: elapsed,
	})
	return result
}

func (p *Pipeline) finish(
	rc *runctx.RunContext,
	logger roles.Logger,
	opts RunOptions,
	stages map[string]runctx.StageResult,
	status runctx.Status,
	failedStage string,
	failureKind runctx.ErrorKind,
) *runctx.RunResult {
	rc.Finish(status)
	result := rc.Result(stages)
	result.FailedStage = failedStage
	result.FailureKind = failureKind
	result.SaveRequested = opts.SaveOutputs

	observability.RecordPipelineRun(p.cfg.Pipeline.Name, string(status), int(result.Duration.Milliseconds()))
	p.publish(events.RunCompleted{
		RunID:      rc.RunID,
		Status:     string(status),
		Iterations: rc.Iterations,
		Duration:   result.Duration,
	})

	logger.Info("pipeline_run_completed",
		"status", string(status),
		"iterations", rc.Iterations,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result
}

func (p *Pipeline) publish(e events.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

func analysisPrompt(requirement string) string {
	return fmt.Sprintf("Analyze the following project description and produce structured requirements:\n\n%s", requirement)
}

func renderInputs(inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", k, inputs[k])
	}
	return strings.TrimSpace(b.String())
}
