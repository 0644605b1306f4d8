package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/msageha/testgate/internal/lock"
	"github.com/msageha/testgate/internal/model"
)

const (
	maxReportedOutput = 2048
	// waitDelay bounds how long output pipes may outlive a killed process.
	waitDelay = 2 * time.Second
)

// CommandRunner runs an external command for one test type. If the command
// prints a JSON TestResult on stdout that result is used; otherwise the exit
// code decides pass or fail.
type CommandRunner struct {
	testType  model.TestType
	command   string
	args      []string
	env       map[string]string
	dir       string
	passFiles bool
	exclusive *lock.MutexMap
}

func NewCommandRunner(t model.TestType, c model.RunnerConfig) (*CommandRunner, error) {
	if strings.TrimSpace(c.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	return &CommandRunner{
		testType:  t,
		command:   c.Command,
		args:      append([]string(nil), c.Args...),
		env:       c.Env,
		dir:       c.Dir,
		passFiles: c.PassFiles,
	}, nil
}

// Exclusive serializes executions through locks, keyed by test type. Runners
// sharing locks never overlap for the same type.
func (r *CommandRunner) Exclusive(locks *lock.MutexMap) *CommandRunner {
	r.exclusive = locks
	return r
}

// Execute runs the command. Context cancellation kills the process and is
// reported as an error; a non-zero exit is a failing result, not an error.
func (r *CommandRunner) Execute(ctx context.Context, selected, changed []string) (model.TestResult, error) {
	if r.exclusive != nil {
		key := string(r.testType)
		if err := r.exclusive.Lock(ctx, key); err != nil {
			return model.TestResult{}, fmt.Errorf("%s runner: waiting for exclusive slot: %w", r.testType, err)
		}
		defer r.exclusive.Unlock(key)
	}

	args := append([]string(nil), r.args...)
	if r.passFiles {
		for _, f := range selected {
			if f != "*" {
				args = append(args, f)
			}
		}
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	if r.dir != "" {
		cmd.Dir = r.dir
	}
	cmd.Env = append(os.Environ(), envSlice(r.env)...)
	cmd.Env = append(cmd.Env,
		"TESTGATE_TEST_TYPE="+string(r.testType),
		"TESTGATE_SELECTED="+strings.Join(selected, "\n"),
		"TESTGATE_CHANGED="+strings.Join(changed, "\n"),
	)
	var stdout, stderr bytes.Buffer
	cmd.WaitDelay = waitDelay
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.TestResult{}, fmt.Errorf("%s runner: %w", r.testType, ctxErr)
	}
	code, err := exitCode(runErr)
	if err != nil {
		return model.TestResult{}, fmt.Errorf("%s runner: %w", r.testType, err)
	}

	if res, ok := decodeResult(stdout.Bytes()); ok {
		res.TestType = r.testType
		if res.DurationMs == 0 {
			res.DurationMs = elapsed
		}
		return res, nil
	}

	res := model.TestResult{
		TestType:   r.testType,
		Passed:     code == 0,
		TotalCount: 1,
		DurationMs: elapsed,
	}
	if code != 0 {
		res.FailedCount = 1
		res.Errors = []string{fmt.Sprintf("exit status %d: %s", code, tail(stderr.String()))}
	}
	return res, nil
}

func decodeResult(out []byte) (model.TestResult, bool) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 || out[0] != '{' {
		return model.TestResult{}, false
	}
	var res model.TestResult
	if err := json.Unmarshal(out, &res); err != nil {
		return model.TestResult{}, false
	}
	return res, true
}

// exitCode separates a non-zero exit from a failure to run at all.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxReportedOutput {
		return s[len(s)-maxReportedOutput:]
	}
	return s
}
