// Package hook invokes the user-configured deployment hook with the
// environment-variable contract the orchestrator promises callers.
package hook

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/go-logr/logr"
)

// Status is the deployment phase the hook is being told about.
type Status string

const (
	Pre     Status = "pre"
	Success Status = "success"
	Failed  Status = "failed"
)

// Invocation carries everything the hook's environment contract needs.
type Invocation struct {
	Status               Status
	DeployType           string // "main" | "testing"
	DeployMode           string // effective mode after kernel-change resolution; the configured mode for Pre
	Commit               string
	CommitMessage        string
	SuccessCommit        string // empty if no prior success marker
	SuccessCommitMessage string
	Scheduled            bool
}

// Runner executes the hook binary. Pluggable for tests.
type Runner interface {
	Run(ctx context.Context, path string, env []string) (exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, path string, env []string) (int, error) {
	cmd := exec.CommandContext(ctx, path)
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := errorsAsExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// Invoker runs the configured hook, if any.
type Invoker struct {
	log    logr.Logger
	path   string
	runner Runner
}

// New returns an Invoker bound to the configured hook path. path may be
// empty, in which case every Run call is a no-op success.
func New(log logr.Logger, path string) *Invoker {
	return &Invoker{log: log.WithName("hook"), path: path, runner: execRunner{}}
}

// SetRunnerForTesting swaps the process runner and returns a restore func.
func (i *Invoker) SetRunnerForTesting(r Runner) func() {
	prev := i.runner
	i.runner = r
	return func() { i.runner = prev }
}

// Run invokes the hook synchronously. The returned exit code is 0 when no
// hook is configured.
func (i *Invoker) Run(ctx context.Context, inv Invocation) (int, error) {
	if i.path == "" {
		return 0, nil
	}

	env := append(os.Environ(),
		"DEPLOY_STATUS="+string(inv.Status),
		"DEPLOY_TYPE="+inv.DeployType,
		"DEPLOY_MODE="+inv.DeployMode,
		"DEPLOY_COMMIT="+inv.Commit,
		"DEPLOY_COMMIT_MESSAGE="+inv.CommitMessage,
		"DEPLOY_SUCCESS_COMMIT="+inv.SuccessCommit,
		"DEPLOY_SUCCESS_COMMIT_MESSAGE="+inv.SuccessCommitMessage,
		"DEPLOY_SCHEDULED="+scheduledFlag(inv.Scheduled),
	)

	code, err := i.runner.Run(ctx, i.path, env)
	if err != nil {
		return -1, err
	}
	if code != 0 {
		i.log.Info("hook exited nonzero", "status", inv.Status, "exit_code", code)
	}
	return code, nil
}

func scheduledFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Scheduled reports whether this process was launched by a timer-driven
// service unit, per INVOCATION_ID being set by the service manager.
func Scheduled() bool {
	return os.Getenv("INVOCATION_ID") != ""
}
