package runner

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/testgate/internal/lock"
	"github.com/msageha/testgate/internal/model"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func shRunner(t *testing.T, script string, passFiles bool) *CommandRunner {
	t.Helper()
	r, err := NewCommandRunner(model.TestTypeUnit, model.RunnerConfig{
		Command:   "sh",
		Args:      []string{"-c", script, "sh"},
		PassFiles: passFiles,
		Env:       map[string]string{"GREETING": "hi"},
	})
	require.NoError(t, err)
	return r
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get(model.TestTypeUnit)
	assert.True(t, errors.Is(err, ErrNoRunner))

	reg.Register(model.TestTypeUnit, Func(func(context.Context, []string, []string) (model.TestResult, error) {
		return model.TestResult{TestType: model.TestTypeUnit, Passed: true}, nil
	}))
	reg.Register(model.TestTypeE2E, Func(func(context.Context, []string, []string) (model.TestResult, error) {
		return model.TestResult{}, nil
	}))

	r, err := reg.Get(model.TestTypeUnit)
	require.NoError(t, err)
	res, err := r.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, []model.TestType{model.TestTypeE2E, model.TestTypeUnit}, reg.Types())
}

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig(map[string]model.RunnerConfig{
		"unit":     {Command: "npm", Args: []string{"test"}},
		"Security": {Command: "npm", Args: []string{"audit"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.TestType{model.TestTypeSecurity, model.TestTypeUnit}, reg.Types())

	_, err = FromConfig(map[string]model.RunnerConfig{"smoke": {Command: "x"}})
	assert.ErrorContains(t, err, "unknown test type")

	_, err = FromConfig(map[string]model.RunnerConfig{"unit": {}})
	assert.ErrorContains(t, err, "command is required")
}

func TestCommandRunner_DecodesJSONResult(t *testing.T) {
	requireShell(t)
	r := shRunner(t, `echo '{"passed":true,"failed_count":0,"total_count":12,"coverage":87.5}'`, false)

	res, err := r.Execute(context.Background(), []string{"a.test.ts"}, []string{"a.ts"})
	require.NoError(t, err)
	assert.Equal(t, model.TestTypeUnit, res.TestType)
	assert.True(t, res.Passed)
	assert.Equal(t, 12, res.TotalCount)
	require.NotNil(t, res.Coverage)
	assert.Equal(t, 87.5, *res.Coverage)
}

func TestCommandRunner_ExitCodeFallback(t *testing.T) {
	requireShell(t)

	res, err := shRunner(t, `exit 0`, false).Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = shRunner(t, `echo boom >&2; exit 3`, false).Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "exit status 3: boom", res.Errors[0])
}

func TestCommandRunner_PassesFilesAndEnv(t *testing.T) {
	requireShell(t)
	script := `test "$1" = "a.test.ts" && test "$#" = "1" && test "$GREETING" = "hi" && test "$TESTGATE_TEST_TYPE" = "unit"`

	res, err := shRunner(t, script, true).Execute(context.Background(), []string{"a.test.ts", "*"}, []string{"a.ts"})
	require.NoError(t, err)
	assert.True(t, res.Passed, res.Errors)
}

func TestCommandRunner_ContextCancelled(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := shRunner(t, `exec sleep 5`, false).Execute(ctx, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandRunner_MissingBinary(t *testing.T) {
	r, err := NewCommandRunner(model.TestTypeUnit, model.RunnerConfig{Command: "/nonexistent/testgate-runner"})
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestCommandRunner_ExclusiveWaitsForSlot(t *testing.T) {
	requireShell(t)
	locks := lock.NewMutexMap()
	r := shRunner(t, "exit 0", false).Exclusive(locks)

	require.NoError(t, locks.Lock(context.Background(), string(model.TestTypeUnit)))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Execute(ctx, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "exclusive slot")

	locks.Unlock(string(model.TestTypeUnit))
	res, err := r.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}
