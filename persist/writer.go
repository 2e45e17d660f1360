// Package persist writes run artifacts to a per-run output directory.
//
// Layout under the base directory:
//
//	run_<yyyymmdd_hhmmss>_<shortid>/
//	    requirements/requirements.md
//	    code/generated_code.py
//	    review/code_review.md
//	    ...
//	    run_metadata.json
//
// Each successful stage lands in its own subdirectory; failed stages are
// recorded in the metadata only. Persistence failures never fail a run - the
// writer reports errors and the caller decides.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atelier-sh/atelier/engine/config"
	"github.com/atelier-sh/atelier/engine/roles"
	"github.com/atelier-sh/atelier/engine/runctx"
)

// Target names the subdirectory and file a stage's artifact is written to.
type Target struct {
	Subdir string
	File   string
}

// DefaultTargets maps the built-in pipeline stages to their artifact files.
// Unknown stages fall back to <stage>/<stage>.md.
var DefaultTargets = map[string]Target{
	config.StageRequirements:  {Subdir: "requirements", File: "requirements.md"},
	config.StageCode:          {Subdir: "code", File: "generated_code.py"},
	config.StageReview:        {Subdir: "review", File: "code_review.md"},
	config.StageDocumentation: {Subdir: "documentation", File: "documentation.md"},
	config.StageTests:         {Subdir: "tests", File: "test_generated_code.py"},
	config.StageDeployment:    {Subdir: "deployment", File: "deployment_config.md"},
	config.StageUI:            {Subdir: "ui", File: "streamlit_ui.py"},
}

// Writer persists run results. Immutable after construction.
type Writer struct {
	baseDir string
	targets map[string]Target
	logger  roles.Logger
	now     func() time.Time
}

// NewWriter creates a Writer rooted at baseDir, using DefaultTargets.
func NewWriter(baseDir string, logger roles.Logger) *Writer {
	return &Writer{
		baseDir: baseDir,
		targets: DefaultTargets,
		logger:  logger.Bind("component", "persist"),
		now:     time.Now,
	}
}

// WithTargets overrides the stage-to-file mapping.
func (w *Writer) WithTargets(targets map[string]Target) *Writer {
	w.targets = targets
	return w
}

type metadata struct {
	RunID       string            `json:"run_id"`
	Requirement string            `json:"requirement"`
	Status      string            `json:"status"`
	Iterations  int               `json:"iterations"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	DurationMS  int64             `json:"duration_ms"`
	FailedStage string            `json:"failed_stage,omitempty"`
	FailureKind string            `json:"failure_kind,omitempty"`
	Stages      map[string]string `json:"stages"` // stage -> "ok" or error text
}

// Write persists every successful stage output plus run metadata, returning
// the created run directory.
func (w *Writer) Write(result *runctx.RunResult) (string, error) {
	stamp := w.now().UTC().Format("20060102_150405")
	shortID := strings.TrimPrefix(result.RunID, "run_")
	runDir := filepath.Join(w.baseDir, fmt.Sprintf("run_%s_%s", stamp, shortID))

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}

	stageStatus := make(map[string]string, len(result.Stages))
	for stage, res := range result.Stages {
		if !res.OK() {
			stageStatus[stage] = res.Error
			continue
		}
		stageStatus[stage] = "ok"
		if err := w.writeStage(runDir, stage, res.Output); err != nil {
			return runDir, err
		}
	}

	meta := metadata{
		RunID:       result.RunID,
		Requirement: result.Requirement,
		Status:      string(result.Status),
		Iterations:  result.Iterations,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		DurationMS:  result.Duration.Milliseconds(),
		FailedStage: result.FailedStage,
		FailureKind: string(result.FailureKind),
		Stages:      stageStatus,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return runDir, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "run_metadata.json"), raw, 0o644); err != nil {
		return runDir, fmt.Errorf("write metadata: %w", err)
	}

	w.logger.Info("run_artifacts_saved",
		"run_id", result.RunID,
		"directory", runDir,
	)
	return runDir, nil
}

func (w *Writer) writeStage(runDir, stage, output string) error {
	target, ok := w.targets[stage]
	if !ok {
		target = Target{Subdir: stage, File: stage + ".md"}
	}
	dir := filepath.Join(runDir, target.Subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stage directory '%s': %w", stage, err)
	}
	if err := os.WriteFile(filepath.Join(dir, target.File), []byte(output), 0o644); err != nil {
		return fmt.Errorf("write stage '%s': %w", stage, err)
	}
	return nil
}
