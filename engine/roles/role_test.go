// Package roles tests for Role invocation and error classification
package roles_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-sh/atelier/engine/config"
	"github.com/atelier-sh/atelier/engine/retry"
	"github.com/atelier-sh/atelier/engine/roles"
	"github.com/atelier-sh/atelier/engine/runctx"
	"github.com/atelier-sh/atelier/engine/testutil"
)

func testRoleConfig(name string) *config.RoleConfig {
	return &config.RoleConfig{
		Name:        name,
		Instruction: "You are a test role.",
	}
}

func newTestRole(t *testing.T, provider roles.Provider) *roles.Role {
	role, err := roles.New(testRoleConfig("code"), testutil.NopLogger{}, provider, 5*time.Second)
	require.NoError(t, err)
	return role
}

// =============================================================================
// CONSTRUCTION TESTS
// =============================================================================

func TestNewRequiresProvider(t *testing.T) {
	_, err := roles.New(testRoleConfig("code"), testutil.NopLogger{}, nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := roles.New(&config.RoleConfig{Name: "code"}, testutil.NopLogger{}, testutil.NewScriptedProvider(), 0)
	assert.Error(t, err)
}

func TestTimeoutPrefersRoleOverride(t *testing.T) {
	cfg := testRoleConfig("code")
	cfg.TimeoutSeconds = 7
	role, err := roles.New(cfg, testutil.NopLogger{}, testutil.NewScriptedProvider(), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 7*time.Second, role.Timeout())

	role = newTestRole(t, testutil.NewScriptedProvider())
	assert.Equal(t, 5*time.Second, role.Timeout())
}

// =============================================================================
// INVOCATION TESTS
// =============================================================================

func TestInvokePrependsSystemInstruction(t *testing.T) {
	// Every invocation carries the role instruction as the system message.
	provider := testutil.NewScriptedProvider().Script("code", "output")
	role := newTestRole(t, provider)

	out, err := role.Invoke(context.Background(), []roles.Message{
		{Speaker: roles.SpeakerUser, Text: "do it"},
	})

	require.NoError(t, err)
	assert.Equal(t, "output", out)

	messages := provider.LastMessages("code")
	require.Len(t, messages, 2)
	assert.Equal(t, roles.SpeakerSystem, messages[0].Speaker)
	assert.Equal(t, "You are a test role.", messages[0].Text)
	assert.Equal(t, roles.SpeakerUser, messages[1].Speaker)
}

func TestInvokeClassifiesProviderError(t *testing.T) {
	provider := testutil.NewScriptedProvider().Fail("code", errors.New("connection refused"))
	role := newTestRole(t, provider)

	_, err := role.Invoke(context.Background(), nil)

	require.Error(t, err)
	var roleErr *roles.Error
	require.ErrorAs(t, err, &roleErr)
	assert.Equal(t, runctx.ErrorKindCallFailed, roleErr.Kind)
	assert.Equal(t, "code", roleErr.Role)
}

func TestInvokeClassifiesEmptyResponse(t *testing.T) {
	// A successful call with blank content is a distinct failure kind, so the
	// retry layer treats it as transient.
	provider := testutil.NewScriptedProvider().Script("code", "   \n\t")
	role := newTestRole(t, provider)

	_, err := role.Invoke(context.Background(), nil)

	require.Error(t, err)
	var roleErr *roles.Error
	require.ErrorAs(t, err, &roleErr)
	assert.Equal(t, runctx.ErrorKindEmptyResponse, roleErr.Kind)
}

func TestInvokeHonorsCancelledContext(t *testing.T) {
	provider := testutil.NewScriptedProvider()
	role := newTestRole(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := role.Invoke(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, runctx.ErrorKindCallFailed, roles.Classify(err))
}

// =============================================================================
// CLASSIFICATION TESTS
// =============================================================================

func TestClassify(t *testing.T) {
	assert.Equal(t, runctx.ErrorKindNone, roles.Classify(nil))
	assert.Equal(t, runctx.ErrorKindCallFailed, roles.Classify(errors.New("anything")))

	err := &roles.Error{Role: "code", Kind: runctx.ErrorKindEmptyResponse, Err: errors.New("blank")}
	assert.Equal(t, runctx.ErrorKindEmptyResponse, roles.Classify(err))
}

func TestFailureKindDominatedByExhaustion(t *testing.T) {
	// Retry exhaustion wins over the wrapped failure kind.
	inner := &roles.Error{Role: "code", Kind: runctx.ErrorKindEmptyResponse, Err: errors.New("blank")}
	exhausted := &retry.ExhaustedError{Attempts: 3, Err: inner}

	assert.Equal(t, runctx.ErrorKindMaxRetriesExceeded, roles.FailureKind(exhausted))
	assert.Equal(t, runctx.ErrorKindEmptyResponse, roles.FailureKind(inner))
}
