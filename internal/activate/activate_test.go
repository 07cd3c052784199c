package activate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
)

type fakeRunner struct {
	calls   [][]string
	outputs [][]byte
	errs    []error
	i       int
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	idx := f.i
	f.i++
	var out []byte
	var err error
	if idx < len(f.outputs) {
		out = f.outputs[idx]
	}
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return out, err
}

func writeBootSpec(t *testing.T, path, kernel, initrd string) {
	t.Helper()
	doc := map[string]bootSpec{
		"org.nixos.bootspec.v1": {Kernel: kernel, Initrd: initrd},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal bootspec: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write bootspec: %v", err)
	}
}

func TestActivateSwitchOK(t *testing.T) {
	d := New(logr.Discard(), "/etc/pulldeploy", "host1")
	fake := &fakeRunner{outputs: [][]byte{[]byte("building...\n")}}
	restore := d.SetRunnerForTesting(fake)
	defer restore()

	res := d.Activate(context.Background(), ModeSwitch)
	if res.ExitKind != ExitOK {
		t.Fatalf("expected ok, got %v", res.ExitKind)
	}
	if res.EffectiveMode != ModeSwitch {
		t.Fatalf("expected effective mode switch, got %v", res.EffectiveMode)
	}
	if len(fake.calls) != 1 || fake.calls[0][1] != "switch" {
		t.Fatalf("unexpected calls: %v", fake.calls)
	}
}

func TestActivateBuildFailure(t *testing.T) {
	d := New(logr.Discard(), "/etc/pulldeploy", "host1")
	fake := &fakeRunner{
		outputs: [][]byte{[]byte("building derivation...\nerror: builder failed\n")},
		errs:    []error{errExit(1)},
	}
	restore := d.SetRunnerForTesting(fake)
	defer restore()

	res := d.Activate(context.Background(), ModeTest)
	if res.ExitKind != ExitEvalFailed {
		t.Fatalf("expected eval_failed classification from 'error:' marker, got %v", res.ExitKind)
	}
	if res.BuildLogTail == "" {
		t.Fatalf("expected build log tail to be populated on failure")
	}
}

func TestActivateBootReturnsToplevelPath(t *testing.T) {
	toplevel := t.TempDir()
	d := New(logr.Discard(), "/etc/pulldeploy", "host1")
	fake := &fakeRunner{outputs: [][]byte{[]byte(toplevel + "\n")}}
	restore := d.SetRunnerForTesting(fake)
	defer restore()

	res := d.Activate(context.Background(), ModeBoot)
	if res.ExitKind != ExitOK {
		t.Fatalf("expected ok, got %v", res.ExitKind)
	}
	if res.BuiltToplevel != toplevel {
		t.Fatalf("expected toplevel %q, got %q", toplevel, res.BuiltToplevel)
	}
}

func TestActivateRebootOnKernelChangeWhenKernelDiffers(t *testing.T) {
	dir := t.TempDir()
	bootedBootJSON := filepath.Join(dir, "booted-boot.json")
	toplevel := filepath.Join(dir, "toplevel")
	if err := os.MkdirAll(toplevel, 0o755); err != nil {
		t.Fatalf("mkdir toplevel: %v", err)
	}
	writeBootSpec(t, bootedBootJSON, "/nix/store/aaa-kernel", "/nix/store/aaa-initrd")
	writeBootSpec(t, filepath.Join(toplevel, "boot.json"), "/nix/store/bbb-kernel", "/nix/store/aaa-initrd")

	d := New(logr.Discard(), "/etc/pulldeploy", "host1")
	restoreBoot := d.SetBootedBootJSONForTesting(bootedBootJSON)
	defer restoreBoot()
	fake := &fakeRunner{outputs: [][]byte{[]byte(toplevel + "\n")}}
	restore := d.SetRunnerForTesting(fake)
	defer restore()

	res := d.Activate(context.Background(), ModeRebootOnKernelChange)
	if res.ExitKind != ExitOK {
		t.Fatalf("expected ok, got %v", res.ExitKind)
	}
	if !res.KernelChanged {
		t.Fatalf("expected kernel change detected")
	}
	if res.EffectiveMode != ModeReboot {
		t.Fatalf("expected effective mode reboot, got %v", res.EffectiveMode)
	}
	// only the "boot" build ran; switch-to-configuration must not be invoked
	if len(fake.calls) != 1 {
		t.Fatalf("expected exactly one call (build), got %v", fake.calls)
	}
}

func TestActivateRebootOnKernelChangeWhenKernelUnchanged(t *testing.T) {
	dir := t.TempDir()
	bootedBootJSON := filepath.Join(dir, "booted-boot.json")
	toplevel := filepath.Join(dir, "toplevel")
	if err := os.MkdirAll(toplevel, 0o755); err != nil {
		t.Fatalf("mkdir toplevel: %v", err)
	}
	writeBootSpec(t, bootedBootJSON, "/nix/store/aaa-kernel", "/nix/store/aaa-initrd")
	writeBootSpec(t, filepath.Join(toplevel, "boot.json"), "/nix/store/aaa-kernel", "/nix/store/aaa-initrd")

	d := New(logr.Discard(), "/etc/pulldeploy", "host1")
	restoreBoot := d.SetBootedBootJSONForTesting(bootedBootJSON)
	defer restoreBoot()
	fake := &fakeRunner{outputs: [][]byte{[]byte(toplevel + "\n"), []byte("activated\n")}}
	restore := d.SetRunnerForTesting(fake)
	defer restore()

	res := d.Activate(context.Background(), ModeRebootOnKernelChange)
	if res.ExitKind != ExitOK {
		t.Fatalf("expected ok, got %v", res.ExitKind)
	}
	if res.KernelChanged {
		t.Fatalf("expected no kernel change detected")
	}
	if res.EffectiveMode != ModeSwitch {
		t.Fatalf("expected effective mode switch, got %v", res.EffectiveMode)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("expected build then switch-to-configuration test, got %v", fake.calls)
	}
	lastCall := fake.calls[1]
	if lastCall[len(lastCall)-1] != "test" {
		t.Fatalf("expected switch-to-configuration test, got %v", lastCall)
	}
}

type exitErr int

func (e exitErr) Error() string { return "exit status" }

func errExit(code int) error { return exitErr(code) }
