package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apollo/pulldeploy/internal/activate"
	"github.com/apollo/pulldeploy/internal/config"
	"github.com/apollo/pulldeploy/internal/generation"
	"github.com/apollo/pulldeploy/internal/hook"
	"github.com/apollo/pulldeploy/internal/lock"
	"github.com/apollo/pulldeploy/internal/marker"
	"github.com/apollo/pulldeploy/internal/orchestrator"
	"github.com/apollo/pulldeploy/internal/probe"
	"github.com/apollo/pulldeploy/internal/systemdctl"
	"github.com/apollo/pulldeploy/internal/vcsgit"
)

// components bundles everything an invocation needs, all pointed at one
// resolved Settings.
type components struct {
	log     logr.Logger
	lock    *lock.Lock
	orch    *orchestrator.Orchestrator
	systemd *systemdctl.Controller
}

// rebootScheduler adapts systemdctl.Controller to orchestrator.RebootScheduler.
type rebootScheduler struct{ ctl *systemdctl.Controller }

func (r rebootScheduler) ScheduleReboot(ctx context.Context) error {
	return r.ctl.ScheduleReboot(ctx, "+1min")
}

// wire acquires the advisory lock and constructs every component the
// orchestrator needs. Callers must call release() when done; on error,
// wire returns nil and has already released anything it acquired.
func wire(s config.Settings) (*components, error) {
	log := ctrllog.Log

	if s.HasToken() {
		os.Setenv(vcsgit.CredentialEnvVar, s.Token)
	}

	if err := os.MkdirAll(s.ConfigDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config_dir %s: %w", s.ConfigDir, err)
	}

	l, err := lock.Acquire(filepath.Join(s.ConfigDir, ".lock"))
	if err != nil {
		return nil, err
	}

	hostname := s.HostnameOverride
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			l.Unlock()
			return nil, err
		}
		hostname = h
	}

	repoDir := filepath.Join(s.ConfigDir, "repo")
	vcs := vcsgit.New(log, repoDir, s.OriginURL, s.HasToken())
	prober := probe.New(log)
	act := activate.New(log, repoDir, hostname)
	gens := generation.New(log, filepath.Join(s.ConfigDir, "generations"))
	hooks := hook.New(log, s.Hook)
	markerStore := marker.New(s.ConfigDir)
	systemd := systemdctl.New(log)

	orch := orchestrator.New(log, s, hostname, repoDir, vcs, act, gens, prober, hooks, markerStore,
		orchestrator.WithRebootScheduler(rebootScheduler{ctl: systemd}))

	return &components{log: log, lock: l, orch: orch, systemd: systemd}, nil
}

func (c *components) release() {
	if c == nil || c.lock == nil {
		return
	}
	c.lock.Unlock()
}
