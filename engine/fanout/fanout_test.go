// Package fanout tests for the concurrent fan-out coordinator
package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-sh/atelier/engine/config"
	"github.com/atelier-sh/atelier/engine/events"
	"github.com/atelier-sh/atelier/engine/retry"
	"github.com/atelier-sh/atelier/engine/roles"
	"github.com/atelier-sh/atelier/engine/runctx"
	"github.com/atelier-sh/atelier/engine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var branchStages = []string{"documentation", "tests", "deployment", "ui"}

func newTestCoordinator(t *testing.T, provider roles.Provider) *Coordinator {
	t.Helper()
	var branches []*roles.Role
	for _, stage := range branchStages {
		role, err := roles.New(&config.RoleConfig{
			Name:        stage,
			Instruction: "You produce " + stage + ".",
		}, testutil.NopLogger{}, provider, 5*time.Second)
		require.NoError(t, err)
		branches = append(branches, role)
	}
	return &Coordinator{
		Roles:  branches,
		Retry:  retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Logger: testutil.NopLogger{},
	}
}

func testInput() Input {
	return Input{
		Requirement: "build a parser",
		Analysis:    "structured requirements",
		Artifact:    "final code",
	}
}

// =============================================================================
// FAN-OUT TESTS
// =============================================================================

func TestRunAllExecutesEveryBranch(t *testing.T) {
	// Every configured branch runs and lands in the result map.
	provider := testutil.NewScriptedProvider()
	for _, stage := range branchStages {
		provider.Script(stage, stage+" output")
	}
	coord := newTestCoordinator(t, provider)
	rc := runctx.New("build a parser")

	results := coord.RunAll(context.Background(), rc, testInput())

	require.Len(t, results, len(branchStages))
	for _, stage := range branchStages {
		res, ok := results[stage]
		require.True(t, ok, stage)
		assert.True(t, res.OK(), stage)
		assert.Equal(t, stage+" output", res.Output)
		assert.Equal(t, 1, provider.Calls(stage))
		assert.Equal(t, res.Output, rc.Artifact(stage))
	}
}

func TestRunAllIsolatesBranchFailure(t *testing.T) {
	// One failing branch never short-circuits its siblings, and the result
	// map still carries every configured branch.
	provider := testutil.NewScriptedProvider().
		Fail("tests", errors.New("connection refused"))
	coord := newTestCoordinator(t, provider)
	rc := runctx.New("x")

	results := coord.RunAll(context.Background(), rc, testInput())

	require.Len(t, results, len(branchStages))
	assert.False(t, results["tests"].OK())
	assert.Equal(t, runctx.ErrorKindMaxRetriesExceeded, results["tests"].Kind)
	for _, stage := range []string{"documentation", "deployment", "ui"} {
		assert.True(t, results[stage].OK(), stage)
	}

	// The failed branch leaves no artifact or transcript turn behind.
	assert.Empty(t, rc.Artifact("tests"))
}

func TestRunAllBranchesRunConcurrently(t *testing.T) {
	// All branches are in flight at once: each blocks until every other has
	// started, which only completes if they truly run in parallel.
	var mu sync.Mutex
	started := 0
	allStarted := make(chan struct{})

	provider := testutil.NewScriptedProvider()
	provider.GenerateFunc = func(ctx context.Context, role string, _ []roles.Message, _ roles.Options) (string, error) {
		mu.Lock()
		started++
		if started == len(branchStages) {
			close(allStarted)
		}
		mu.Unlock()

		select {
		case <-allStarted:
			return role + " output", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	coord := newTestCoordinator(t, provider)
	rc := runctx.New("x")

	results := coord.RunAll(context.Background(), rc, testInput())

	for _, stage := range branchStages {
		assert.True(t, results[stage].OK(), stage)
	}
}

func TestRunAllTranscriptOrderIsDeterministic(t *testing.T) {
	// Transcript turns follow configured branch order regardless of
	// completion order.
	provider := testutil.NewScriptedProvider()
	coord := newTestCoordinator(t, provider)
	rc := runctx.New("x")

	coord.RunAll(context.Background(), rc, testInput())

	require.Len(t, rc.Transcript, len(branchStages))
	for i, stage := range branchStages {
		assert.Equal(t, stage, rc.Transcript[i].Role)
	}
}

func TestRunAllPublishesStageEvents(t *testing.T) {
	provider := testutil.NewScriptedProvider().
		Fail("ui", errors.New("boom"))
	coord := newTestCoordinator(t, provider)
	coord.Bus = events.NewBus()

	var mu sync.Mutex
	completed := make(map[string]string)
	coord.Bus.Subscribe("StageCompleted", func(e events.Event) {
		ev := e.(events.StageCompleted)
		mu.Lock()
		completed[ev.Stage] = ev.Status
		mu.Unlock()
	})

	coord.RunAll(context.Background(), runctx.New("x"), testInput())

	assert.Equal(t, "error", completed["ui"])
	assert.Equal(t, "success", completed["documentation"])
	assert.Len(t, completed, len(branchStages))
}

func TestDefaultPromptCarriesArtifact(t *testing.T) {
	messages := DefaultPrompt("documentation", testInput())

	require.Len(t, messages, 1)
	assert.Equal(t, roles.SpeakerUser, messages[0].Speaker)
	assert.Contains(t, messages[0].Text, "final code")
	assert.Contains(t, messages[0].Text, "structured requirements")
}

func TestUIPromptIsCompositeAndTruncated(t *testing.T) {
	// The UI branch sees the raw requirement plus a bounded view of the code.
	in := testInput()
	in.Artifact = strings.Repeat("x", uiArtifactLimit+100)

	messages := DefaultPrompt(config.StageUI, in)

	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Text, "build a parser")
	assert.Contains(t, messages[0].Text, "(truncated)")
	assert.NotContains(t, messages[0].Text, strings.Repeat("x", uiArtifactLimit+1))
}
