// Package systemdctl wraps the small slice of systemctl/pgrep
// interactions this codebase needs outside the activation driver itself:
// detecting a rebuild already in flight, and scheduling the reboot that
// follows a reboot-class deploy.
package systemdctl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"
)

// Runner executes commands. Pluggable for tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Controller is the process-wide systemctl/pgrep entry point.
type Controller struct {
	log    logr.Logger
	runner Runner
}

// New returns a Controller backed by the real pgrep/systemctl binaries.
func New(log logr.Logger) *Controller {
	return &Controller{log: log.WithName("systemdctl"), runner: execRunner{}}
}

// SetRunnerForTesting swaps the process runner and returns a restore func.
func (c *Controller) SetRunnerForTesting(r Runner) func() {
	prev := c.runner
	c.runner = r
	return func() { c.runner = prev }
}

// IsRebuilding reports whether a nixos-rebuild process is currently
// running, so a scheduled run can skip overlapping with one already in
// flight rather than racing it.
func (c *Controller) IsRebuilding(ctx context.Context) bool {
	_, err := c.runner.Run(ctx, "pgrep", "-x", "nixos-rebuild")
	return err == nil
}

// ScheduleReboot asks systemd to reboot the host after the given delay
// (e.g. "+1min"), giving the current run and any remaining log flushing
// time to complete first.
func (c *Controller) ScheduleReboot(ctx context.Context, when string) error {
	out, err := c.runner.Run(ctx, "systemctl", "reboot", "--when="+when)
	if err != nil {
		return fmt.Errorf("systemctl reboot --when=%s: %w: %s", when, err, strings.TrimSpace(string(out)))
	}
	if len(out) > 0 {
		c.log.V(1).Info("systemctl reboot output", "output", strings.TrimSpace(string(out)))
	}
	return nil
}
