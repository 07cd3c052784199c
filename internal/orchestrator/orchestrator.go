// Package orchestrator runs the single-threaded state machine that ties
// the VCS gateway, activation driver, generation registry, reachability
// probe, and hook invoker together into one deployment attempt.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"github.com/apollo/pulldeploy/internal/activate"
	"github.com/apollo/pulldeploy/internal/config"
	"github.com/apollo/pulldeploy/internal/errs"
	"github.com/apollo/pulldeploy/internal/generation"
	"github.com/apollo/pulldeploy/internal/hook"
	"github.com/apollo/pulldeploy/internal/marker"
	"github.com/apollo/pulldeploy/internal/selector"
	"github.com/apollo/pulldeploy/internal/vcsgit"
)

// deployedBranch and deployedMainBranch are the local bookkeeping branches
// that record what this host last activated. _deployed supplies the
// selector's deployed commit across process restarts, and stands in for
// the running system's source commit when the current generation has no
// marker recording one.
const (
	deployedBranch     = "_deployed"
	deployedMainBranch = "_deployed_main"
)

// Outcome is the terminal state a run settles into.
type Outcome string

const (
	Succeed  Outcome = "succeed"
	UpToDate Outcome = "up_to_date"
	Fail     Outcome = "fail"
	Abort    Outcome = "abort"
	Busy     Outcome = "busy"
)

// VCS is the subset of vcsgit.Gateway the orchestrator depends on.
type VCS interface {
	EnsureRepo(ctx context.Context) error
	Fetch(ctx context.Context) error
	RemoteBranches(ctx context.Context) ([]vcsgit.Ref, error)
	CurrentBranchCommit(ctx context.Context, branch string) (vcsgit.Commit, bool)
	CheckoutDetached(ctx context.Context, commit string) error
	ResetBranchTo(ctx context.Context, branch, target string) error
	IsMergedInto(ctx context.Context, branchTip, mainTip string) (bool, error)
	MergeBase(ctx context.Context, a, b string) (string, error)
	IsAncestor(ctx context.Context, possibleAncestor, commit string) (bool, error)
}

// Activator runs nixos-rebuild. Satisfied by *activate.Driver.
type Activator interface {
	Activate(ctx context.Context, mode activate.Mode) activate.Result
}

// Generations is the generation registry's surface. Satisfied by
// *generation.Registry.
type Generations interface {
	Current() (generation.Generation, bool, error)
	Previous() (generation.Generation, bool, error)
	List() ([]generation.Generation, error)
	Activate(ctx context.Context, g generation.Generation, mode string) error
	RecordMarker(generationNumber int, commit, message string) error
}

// Prober checks remote reachability. Satisfied by *probe.Prober.
type Prober interface {
	Reachable(ctx context.Context, repoDir string, timeout time.Duration) bool
}

// HookRunner invokes the configured hook. Satisfied by *hook.Invoker.
type HookRunner interface {
	Run(ctx context.Context, inv hook.Invocation) (int, error)
}

// Marker persists the success marker. Satisfied by *marker.Store.
type Marker interface {
	Load() (marker.SuccessMarker, bool)
	Store(commit, message string, timestamp time.Time) error
}

// RebootScheduler schedules the reboot that follows a reboot-class deploy.
// The CLI satisfies it with an adapter over *systemdctl.Controller; the
// default is a no-op.
type RebootScheduler interface {
	ScheduleReboot(ctx context.Context) error
}

// Orchestrator wires every component together for one host.
type Orchestrator struct {
	log      logr.Logger
	settings config.Settings
	hostname string
	repoDir  string

	vcs         VCS
	activator   Activator
	gens        Generations
	prober      Prober
	hooks       HookRunner
	markerStore Marker
	reboot      RebootScheduler

	now func() time.Time
}

// Option configures fields an orchestrator needs beyond the required
// constructor arguments.
type Option func(*Orchestrator)

// WithRebootScheduler overrides how a scheduled reboot is requested.
func WithRebootScheduler(r RebootScheduler) Option {
	return func(o *Orchestrator) { o.reboot = r }
}

// WithClock overrides the orchestrator's notion of "now", for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires an Orchestrator from its components.
func New(log logr.Logger, settings config.Settings, hostname, repoDir string, vcs VCS, act Activator, gens Generations, prober Prober, hooks HookRunner, markerStore Marker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:         log.WithName("orchestrator"),
		settings:    settings,
		hostname:    hostname,
		repoDir:     repoDir,
		vcs:         vcs,
		activator:   act,
		gens:        gens,
		prober:      prober,
		hooks:       hooks,
		markerStore: markerStore,
		reboot:      noopReboot{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type noopReboot struct{}

func (noopReboot) ScheduleReboot(context.Context) error { return nil }

// ancestryAdapter satisfies selector.Ancestry over a VCS.
type ancestryAdapter struct{ vcs VCS }

func (a ancestryAdapter) IsMergedInto(ctx context.Context, branchTip, mainTip string) (bool, error) {
	return a.vcs.IsMergedInto(ctx, branchTip, mainTip)
}
func (a ancestryAdapter) MergeBase(ctx context.Context, x, y string) (string, error) {
	return a.vcs.MergeBase(ctx, x, y)
}
func (a ancestryAdapter) IsAncestor(ctx context.Context, possibleAncestor, commit string) (bool, error) {
	return a.vcs.IsAncestor(ctx, possibleAncestor, commit)
}

// Target describes the commit check/run selected, for CLI reporting.
type Target struct {
	Commit     string
	BranchName string
	Type       selector.BranchType
	IsNew      bool
	// Fingerprint is the currently running generation's marker digest, for
	// operators correlating generations across hosts without comparing
	// raw commit hashes. Empty if no generation marker could be read.
	Fingerprint digest.Digest
}

// resolveTarget runs Prepare → Select and reports the selected target plus
// the commit this host is currently considered to be running, without
// mutating anything.
func (o *Orchestrator) resolveTarget(ctx context.Context) (selector.Target, vcsgit.Commit, string, error) {
	if err := o.vcs.EnsureRepo(ctx); err != nil {
		return selector.Target{}, vcsgit.Commit{}, "", err
	}
	if err := o.vcs.Fetch(ctx); err != nil {
		return selector.Target{}, vcsgit.Commit{}, "", err
	}

	refs, err := o.vcs.RemoteBranches(ctx)
	if err != nil {
		return selector.Target{}, vcsgit.Commit{}, "", err
	}

	deployed, _ := o.vcs.CurrentBranchCommit(ctx, deployedBranch)

	selRefs := make([]selector.Ref, 0, len(refs))
	for _, r := range refs {
		selRefs = append(selRefs, selector.Ref{
			Name:          r.Name,
			Hash:          r.Tip.Hash,
			Subject:       r.Tip.Subject,
			CommitterDate: r.Tip.CommitterDate.Unix(),
		})
	}

	target, err := selector.Select(ctx, ancestryAdapter{o.vcs}, o.hostname, o.settings.OriginMain, o.settings.TestingPrefix, o.settings.TestingSeparator, selRefs, deployed.Hash)
	if err != nil {
		return selector.Target{}, vcsgit.Commit{}, "", errs.New(errs.Fatal, "select_target", err)
	}

	return target, deployed, currentSourceCommit(o.gens, deployed), nil
}

func currentSourceCommit(gens Generations, deployed vcsgit.Commit) string {
	if cur, ok, err := gens.Current(); err == nil && ok && cur.Commit != "" {
		return cur.Commit
	}
	return deployed.Hash
}

// Check runs Prepare → Select and reports the outcome without deploying
// anything.
func (o *Orchestrator) Check(ctx context.Context) (Target, bool, error) {
	target, _, currentCommit, err := o.resolveTarget(ctx)
	if err != nil {
		return Target{}, false, err
	}
	isNew := target.Commit != currentCommit

	var fingerprint digest.Digest
	if cur, ok, err := o.gens.Current(); err == nil && ok {
		fingerprint = cur.Fingerprint
	}
	o.log.V(1).Info("check", "branch", target.BranchName, "commit", target.Commit, "is_new", isNew, "fingerprint", fingerprint)

	return Target{
		Commit:      target.Commit,
		BranchName:  target.BranchName,
		Type:        target.Type,
		IsNew:       isNew,
		Fingerprint: fingerprint,
	}, isNew, nil
}

// Run executes one full deployment attempt.
func (o *Orchestrator) Run(ctx context.Context, force, noMagicRollback bool) (Outcome, error) {
	target, _, currentCommit, err := o.resolveTarget(ctx)
	if err != nil {
		if kind, ok := errs.KindOf(err); ok {
			o.log.Error(err, "prepare failed", "kind", kind.String())
		} else {
			o.log.Error(err, "prepare failed")
		}
		return Abort, err
	}

	if target.Commit == currentCommit && !force {
		o.log.V(1).Info("already on newest target, nothing to do", "branch", target.BranchName)
		return UpToDate, nil
	}

	if err := o.vcs.CheckoutDetached(ctx, target.Commit); err != nil {
		o.log.Error(err, "checkout failed")
		return Abort, err
	}

	mode := o.settings.DeployModeFor(target.Type == selector.Main)
	branchType := "testing"
	if target.Type == selector.Main {
		branchType = "main"
	}

	preSuccessMarker, _ := o.markerStore.Load()
	preInv := hook.Invocation{
		Status:               hook.Pre,
		DeployType:           branchType,
		DeployMode:           string(mode),
		Commit:               target.Commit,
		CommitMessage:        target.CommitMessage,
		SuccessCommit:        preSuccessMarker.Commit,
		SuccessCommitMessage: preSuccessMarker.Message,
		Scheduled:            hook.Scheduled(),
	}
	if code, err := o.hooks.Run(ctx, preInv); err != nil || code != 0 {
		if err != nil {
			o.log.Error(err, "pre hook invocation failed")
		} else {
			o.log.Info("pre hook exited nonzero, aborting", "exit_code", code)
		}
		return Abort, fmt.Errorf("pre hook gated deploy: exit %d: %w", code, err)
	}

	result := o.activator.Activate(ctx, activate.Mode(mode))

	switch result.ExitKind {
	case activate.ExitEvalFailed, activate.ExitBuildFailed:
		o.log.Info("build failed, no activation attempted", "exit_kind", result.ExitKind, "log_tail", result.BuildLogTail)
		o.runFailedHook(ctx, branchType, string(result.EffectiveMode), target.Commit, target.CommitMessage)
		return Fail, nil

	case activate.ExitActivateFailed:
		o.log.Info("activation failed, rolling back", "log_tail", result.BuildLogTail)
		o.rollback(ctx)
		o.runFailedHook(ctx, branchType, string(result.EffectiveMode), target.Commit, target.CommitMessage)
		return Fail, nil
	}

	verifyApplicable := !noMagicRollback && (result.EffectiveMode == activate.ModeSwitch || result.EffectiveMode == activate.ModeTest)

	if verifyApplicable {
		if !o.prober.Reachable(ctx, o.repoDir, o.settings.MagicRollbackTimeout) {
			o.log.Info("remote unreachable after activation, rolling back")
			o.rollback(ctx)
			o.runFailedHook(ctx, branchType, string(result.EffectiveMode), target.Commit, target.CommitMessage)
			return Fail, nil
		}
	}

	o.recordSuccess(ctx, target, branchType, result)

	if result.EffectiveMode == activate.ModeReboot {
		if err := o.reboot.ScheduleReboot(ctx); err != nil {
			o.log.Error(err, "failed to schedule reboot")
		}
	}

	return Succeed, nil
}

func (o *Orchestrator) rollback(ctx context.Context) {
	prev, ok, err := o.gens.Previous()
	if err != nil {
		o.log.Error(err, "rollback: could not determine previous generation")
		return
	}
	if !ok {
		o.log.Info("rollback: no previous generation to roll back to")
		return
	}
	if err := o.gens.Activate(ctx, prev, "switch"); err != nil {
		o.log.Error(err, "rollback failed", "generation", prev.Number)
		return
	}
	o.log.Info("rolled back to previous generation", "generation", prev.Number)
}

func (o *Orchestrator) recordSuccess(ctx context.Context, target selector.Target, branchType string, result activate.Result) {
	if gens, err := o.gens.List(); err == nil && len(gens) > 0 {
		newest := gens[len(gens)-1]
		if err := o.gens.RecordMarker(newest.Number, target.Commit, target.CommitMessage); err != nil {
			o.log.Error(err, "failed to record generation marker")
		}
		o.log.Info("recorded generation marker", "generation", newest.Number, "commit", target.Commit, "fingerprint", newest.Fingerprint)
	}

	if err := o.vcs.ResetBranchTo(ctx, deployedBranch, target.Commit); err != nil {
		o.log.Error(err, "failed to update deployed bookkeeping branch")
	}
	if target.Type == selector.Main {
		if err := o.vcs.ResetBranchTo(ctx, deployedMainBranch, target.Commit); err != nil {
			o.log.Error(err, "failed to update deployed-main bookkeeping branch")
		}
	}

	if err := o.markerStore.Store(target.Commit, target.CommitMessage, o.now()); err != nil {
		o.log.Error(err, "failed to write success marker")
	}

	successMarker, _ := o.markerStore.Load()
	inv := hook.Invocation{
		Status:               hook.Success,
		DeployType:           branchType,
		DeployMode:           string(result.EffectiveMode),
		Commit:               target.Commit,
		CommitMessage:        target.CommitMessage,
		SuccessCommit:        successMarker.Commit,
		SuccessCommitMessage: successMarker.Message,
		Scheduled:            hook.Scheduled(),
	}
	if code, err := o.hooks.Run(ctx, inv); err != nil || code != 0 {
		o.log.Info("success hook did not exit cleanly", "exit_code", code, "error", err)
	}
}

func (o *Orchestrator) runFailedHook(ctx context.Context, branchType, mode, commit, commitMessage string) {
	successMarker, _ := o.markerStore.Load()
	inv := hook.Invocation{
		Status:               hook.Failed,
		DeployType:           branchType,
		DeployMode:           mode,
		Commit:               commit,
		CommitMessage:        commitMessage,
		SuccessCommit:        successMarker.Commit,
		SuccessCommitMessage: successMarker.Message,
		Scheduled:            hook.Scheduled(),
	}
	if code, err := o.hooks.Run(ctx, inv); err != nil || code != 0 {
		o.log.Info("failed hook did not exit cleanly", "exit_code", code, "error", err)
	}
}
