// Package probe implements the post-activation reachability check that
// gates magic rollback: a single bounded-time attempt to list refs on the
// configured remote.
package probe

import (
	"context"
	"os/exec"
	"time"

	"github.com/go-logr/logr"
)

// Prober checks whether the configured remote is reachable.
type Prober struct {
	log    logr.Logger
	runner func(ctx context.Context, name string, args ...string) error
}

// New returns a Prober that shells out to git ls-remote.
func New(log logr.Logger) *Prober {
	return &Prober{
		log: log.WithName("probe"),
		runner: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// SetRunnerForTesting swaps the underlying command runner.
func (p *Prober) SetRunnerForTesting(r func(ctx context.Context, name string, args ...string) error) func() {
	prev := p.runner
	p.runner = r
	return func() { p.runner = prev }
}

// Reachable performs one lightweight remote ref enumeration against the
// "origin" remote already configured inside repoDir, with a hard
// wall-clock cap of timeout. Any success means true; any failure,
// including the timeout firing, means false. There are no retries inside
// the probe — that policy belongs to the caller, if any.
//
// It probes through the local clone's configured remote rather than
// taking a bare URL so a credential embedded in the origin URL is read
// from repo config, never placed on this process's command line where
// /proc could expose it.
func (p *Prober) Reachable(ctx context.Context, repoDir string, timeout time.Duration) bool {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.runner(cctx, "git", "-C", repoDir, "ls-remote", "--exit-code", "origin", "HEAD")
	if err != nil {
		p.log.V(1).Info("remote unreachable", "error", err.Error())
		return false
	}
	return true
}
