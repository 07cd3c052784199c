package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/apollo/pulldeploy/internal/activate"
	"github.com/apollo/pulldeploy/internal/config"
	"github.com/apollo/pulldeploy/internal/generation"
	"github.com/apollo/pulldeploy/internal/hook"
	"github.com/apollo/pulldeploy/internal/marker"
	"github.com/apollo/pulldeploy/internal/vcsgit"
)

type fakeVCS struct {
	refs            []vcsgit.Ref
	deployedCommit  vcsgit.Commit
	deployedOK      bool
	checkoutErr     error
	resetCalls      []string
	ensureErr       error
	fetchErr        error
}

func (f *fakeVCS) EnsureRepo(context.Context) error { return f.ensureErr }
func (f *fakeVCS) Fetch(context.Context) error      { return f.fetchErr }
func (f *fakeVCS) RemoteBranches(context.Context) ([]vcsgit.Ref, error) {
	return f.refs, nil
}
func (f *fakeVCS) CurrentBranchCommit(_ context.Context, branch string) (vcsgit.Commit, bool) {
	return f.deployedCommit, f.deployedOK
}
func (f *fakeVCS) CheckoutDetached(context.Context, string) error { return f.checkoutErr }
func (f *fakeVCS) ResetBranchTo(_ context.Context, branch, target string) error {
	f.resetCalls = append(f.resetCalls, branch+"="+target)
	return nil
}
func (f *fakeVCS) IsMergedInto(context.Context, string, string) (bool, error) { return false, nil }
func (f *fakeVCS) MergeBase(context.Context, string, string) (string, error)  { return "", nil }
func (f *fakeVCS) IsAncestor(context.Context, string, string) (bool, error)   { return false, nil }

type fakeActivator struct {
	result activate.Result
}

func (f *fakeActivator) Activate(context.Context, activate.Mode) activate.Result { return f.result }

type fakeGenerations struct {
	current     generation.Generation
	currentOK   bool
	previous    generation.Generation
	previousOK  bool
	list        []generation.Generation
	activated   []int
	markerCalls []int
}

func (f *fakeGenerations) Current() (generation.Generation, bool, error)  { return f.current, f.currentOK, nil }
func (f *fakeGenerations) Previous() (generation.Generation, bool, error) { return f.previous, f.previousOK, nil }
func (f *fakeGenerations) List() ([]generation.Generation, error)         { return f.list, nil }
func (f *fakeGenerations) Activate(_ context.Context, g generation.Generation, mode string) error {
	f.activated = append(f.activated, g.Number)
	return nil
}
func (f *fakeGenerations) RecordMarker(n int, commit, message string) error {
	f.markerCalls = append(f.markerCalls, n)
	return nil
}

type fakeProber struct{ reachable bool }

func (f *fakeProber) Reachable(context.Context, string, time.Duration) bool { return f.reachable }

type fakeHooks struct {
	invocations []hook.Invocation
	exitCode    int
}

func (f *fakeHooks) Run(_ context.Context, inv hook.Invocation) (int, error) {
	f.invocations = append(f.invocations, inv)
	return f.exitCode, nil
}

func settingsFixture() config.Settings {
	return config.Settings{
		OriginMain:           "main",
		TestingPrefix:        "testing-",
		TestingSeparator:     "-",
		DeployModeMain:       config.ModeSwitch,
		DeployModeTesting:    config.ModeTest,
		MagicRollbackTimeout: time.Second,
	}
}

func refAt(name, hash string, committerUnix int64) vcsgit.Ref {
	return vcsgit.Ref{Name: name, Tip: vcsgit.Commit{Hash: hash, CommitterDate: time.Unix(committerUnix, 0)}}
}

func TestRunUpToDateIsSilent(t *testing.T) {
	vcs := &fakeVCS{refs: []vcsgit.Ref{refAt("main", "m1", 100)}}
	gens := &fakeGenerations{current: generation.Generation{Number: 1, Commit: "m1"}, currentOK: true}
	hooks := &fakeHooks{}

	o := New(logr.Discard(), settingsFixture(), "host1", t.TempDir(), vcs, &fakeActivator{}, gens, &fakeProber{}, hooks, marker.New(t.TempDir()))

	outcome, err := o.Run(context.Background(), false, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != UpToDate {
		t.Fatalf("expected UpToDate, got %v", outcome)
	}
	if len(hooks.invocations) != 0 {
		t.Fatalf("expected no hooks fired on silent up-to-date, got %d", len(hooks.invocations))
	}
}

func TestRunSucceedsAndRecordsMarkerOnSwitch(t *testing.T) {
	vcs := &fakeVCS{refs: []vcsgit.Ref{refAt("main", "m1", 100)}}
	gens := &fakeGenerations{
		current: generation.Generation{Number: 1, Commit: "old"}, currentOK: true,
		list: []generation.Generation{{Number: 1}, {Number: 2}},
	}
	hooks := &fakeHooks{}
	act := &fakeActivator{result: activate.Result{ExitKind: activate.ExitOK, EffectiveMode: activate.ModeSwitch}}

	o := New(logr.Discard(), settingsFixture(), "host1", t.TempDir(), vcs, act, gens, &fakeProber{reachable: true}, hooks, marker.New(t.TempDir()))

	outcome, err := o.Run(context.Background(), false, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != Succeed {
		t.Fatalf("expected Succeed, got %v", outcome)
	}
	if len(gens.markerCalls) != 1 || gens.markerCalls[0] != 2 {
		t.Fatalf("expected marker recorded against newest generation 2, got %v", gens.markerCalls)
	}
	if len(vcs.resetCalls) != 2 {
		t.Fatalf("expected both _deployed and _deployed_main updated for a main deploy, got %v", vcs.resetCalls)
	}

	var sawSuccess bool
	for _, inv := range hooks.invocations {
		if inv.Status == hook.Success {
			sawSuccess = true
		}
	}
	if !sawSuccess {
		t.Fatalf("expected a success hook invocation")
	}
}

func TestRunRollsBackOnUnreachableAfterActivation(t *testing.T) {
	vcs := &fakeVCS{refs: []vcsgit.Ref{refAt("main", "m1", 100)}}
	gens := &fakeGenerations{
		current: generation.Generation{Number: 1, Commit: "old"}, currentOK: true,
		previous: generation.Generation{Number: 1}, previousOK: true,
	}
	hooks := &fakeHooks{}
	act := &fakeActivator{result: activate.Result{ExitKind: activate.ExitOK, EffectiveMode: activate.ModeSwitch}}

	o := New(logr.Discard(), settingsFixture(), "host1", t.TempDir(), vcs, act, gens, &fakeProber{reachable: false}, hooks, marker.New(t.TempDir()))

	outcome, err := o.Run(context.Background(), false, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != Fail {
		t.Fatalf("expected Fail after unreachable probe, got %v", outcome)
	}
	if len(gens.activated) != 1 || gens.activated[0] != 1 {
		t.Fatalf("expected rollback to activate previous generation 1, got %v", gens.activated)
	}

	var sawFailed bool
	for _, inv := range hooks.invocations {
		if inv.Status == hook.Failed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected a failed hook invocation")
	}
}

func TestRunFailsWithoutRollbackOnBuildFailure(t *testing.T) {
	vcs := &fakeVCS{refs: []vcsgit.Ref{refAt("main", "m1", 100)}}
	gens := &fakeGenerations{current: generation.Generation{Number: 1, Commit: "old"}, currentOK: true}
	hooks := &fakeHooks{}
	act := &fakeActivator{result: activate.Result{ExitKind: activate.ExitBuildFailed}}

	o := New(logr.Discard(), settingsFixture(), "host1", t.TempDir(), vcs, act, gens, &fakeProber{}, hooks, marker.New(t.TempDir()))

	outcome, err := o.Run(context.Background(), false, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != Fail {
		t.Fatalf("expected Fail, got %v", outcome)
	}
	if len(gens.activated) != 0 {
		t.Fatalf("expected no rollback attempt for a build failure, got %v", gens.activated)
	}
}

func TestRunNoMagicRollbackSkipsVerification(t *testing.T) {
	vcs := &fakeVCS{refs: []vcsgit.Ref{refAt("main", "m1", 100)}}
	gens := &fakeGenerations{
		current: generation.Generation{Number: 1, Commit: "old"}, currentOK: true,
		list: []generation.Generation{{Number: 1}},
	}
	hooks := &fakeHooks{}
	act := &fakeActivator{result: activate.Result{ExitKind: activate.ExitOK, EffectiveMode: activate.ModeSwitch}}
	prober := &fakeProber{reachable: false}

	o := New(logr.Discard(), settingsFixture(), "host1", t.TempDir(), vcs, act, gens, prober, hooks, marker.New(t.TempDir()))

	outcome, err := o.Run(context.Background(), false, true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != Succeed {
		t.Fatalf("expected Succeed when magic rollback is disabled even though the probe would fail, got %v", outcome)
	}
}
