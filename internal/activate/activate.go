// Package activate drives nixos-rebuild through the five activation modes
// a branch type can be configured with, and reports back enough detail
// for the orchestrator to decide whether to verify, roll back, or just
// move on.
package activate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-logr/logr"
)

// Mode is one of the five ways a build can be rolled out.
type Mode string

const (
	ModeTest                 Mode = "test"
	ModeSwitch               Mode = "switch"
	ModeBoot                 Mode = "boot"
	ModeReboot               Mode = "reboot"
	ModeRebootOnKernelChange Mode = "reboot_on_kernel_change"
)

// ExitKind classifies how activate() stopped.
type ExitKind string

const (
	ExitOK             ExitKind = "ok"
	ExitEvalFailed     ExitKind = "eval_failed"
	ExitBuildFailed    ExitKind = "build_failed"
	ExitActivateFailed ExitKind = "activate_failed"
)

// buildLogTailBytes bounds how much combined rebuild output is retained
// for the failed hook and orchestrator log line.
const buildLogTailBytes = 4096

// Result is everything the orchestrator needs to decide what happens next.
type Result struct {
	BuiltToplevel string
	EffectiveMode Mode
	KernelChanged bool
	ExitKind      ExitKind
	BuildLogTail  string
}

// bootSpec is the subset of a bootspec document (org.nixos.bootspec.v1)
// this driver compares to detect a kernel change.
type bootSpec struct {
	Kernel string `json:"kernel"`
	Initrd string `json:"initrd"`
}

// Runner executes nixos-rebuild and switch-to-configuration invocations.
// Pluggable for tests so no test ever shells out to the real tool.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, err error)
}

type execRunner struct {
	log logr.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	var combined bytes.Buffer
	lineLog := &lineLoggingWriter{log: r.log}
	cmd.Stdout = io.MultiWriter(&combined, lineLog)
	cmd.Stderr = io.MultiWriter(&combined, lineLog)
	err := cmd.Run()
	lineLog.flush()
	return combined.Bytes(), err
}

// lineLoggingWriter logs each complete line it sees at debug level as the
// subprocess produces it, rather than waiting for the whole run to finish.
type lineLoggingWriter struct {
	log logr.Logger
	buf bytes.Buffer
}

func (w *lineLoggingWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.WriteString(line)
			break
		}
		w.log.V(1).Info("nixos-rebuild", "line", line[:len(line)-1])
	}
	return len(p), nil
}

func (w *lineLoggingWriter) flush() {
	if w.buf.Len() > 0 {
		w.log.V(1).Info("nixos-rebuild", "line", w.buf.String())
		w.buf.Reset()
	}
}

// Driver activates a built or to-be-built system configuration.
type Driver struct {
	log       logr.Logger
	runner    Runner
	flakePath string

	// bootedBootJSON is overridable in tests; it defaults to the real
	// path the booted system publishes.
	bootedBootJSON string
}

const defaultBootedBootJSON = "/run/booted-system/boot.json"

// New returns a Driver that builds the flake at repoDir#hostname.
func New(log logr.Logger, repoDir, hostname string) *Driver {
	named := log.WithName("activate")
	return &Driver{
		log:            named,
		runner:         execRunner{log: named},
		flakePath:      fmt.Sprintf("%s#%s", repoDir, hostname),
		bootedBootJSON: defaultBootedBootJSON,
	}
}

// SetRunnerForTesting swaps the process runner and returns a restore func.
func (d *Driver) SetRunnerForTesting(r Runner) func() {
	prev := d.runner
	d.runner = r
	return func() { d.runner = prev }
}

// SetBootedBootJSONForTesting overrides the path read as the currently
// booted system's bootspec and returns a restore func.
func (d *Driver) SetBootedBootJSONForTesting(path string) func() {
	prev := d.bootedBootJSON
	d.bootedBootJSON = path
	return func() { d.bootedBootJSON = prev }
}

// Activate runs the rebuild appropriate to mode and reports the outcome.
// The caller is responsible for having already checked out the target
// commit into the directory this Driver's flakePath resolves against.
func (d *Driver) Activate(ctx context.Context, mode Mode) Result {
	switch mode {
	case ModeRebootOnKernelChange:
		return d.activateRebootOnKernelChange(ctx)
	case ModeBoot, ModeReboot:
		return d.build(ctx, "boot", mode)
	default:
		return d.build(ctx, string(mode), mode)
	}
}

// build runs nixos-rebuild in rebuildVerb (one of "test", "switch", "boot")
// and reports the result under effectiveMode, which may differ from
// rebuildVerb (e.g. "reboot" and "reboot_on_kernel_change" both build with
// the "boot" verb).
func (d *Driver) build(ctx context.Context, rebuildVerb string, effectiveMode Mode) Result {
	out, err := d.runner.Run(ctx, "nixos-rebuild", rebuildVerb, "--flake", d.flakePath)
	tail := tailOf(out, buildLogTailBytes)

	if err != nil {
		return Result{
			EffectiveMode: effectiveMode,
			ExitKind:      classifyRebuildFailure(err, out),
			BuildLogTail:  tail,
		}
	}

	toplevel := ""
	if rebuildVerb == "boot" {
		toplevel = firstLine(out)
		if toplevel == "" || !pathExists(toplevel) {
			toplevel = ""
		}
	}

	return Result{
		BuiltToplevel: toplevel,
		EffectiveMode: effectiveMode,
		ExitKind:      ExitOK,
		BuildLogTail:  tail,
	}
}

// activateRebootOnKernelChange builds without activating, compares the
// built toplevel's kernel and initrd against the running system's, and
// continues as either "switch" (no kernel change, runtime activation is
// safe) or "reboot" (kernel changed, only a reboot will pick it up).
func (d *Driver) activateRebootOnKernelChange(ctx context.Context) Result {
	built := d.build(ctx, "boot", ModeRebootOnKernelChange)
	if built.ExitKind != ExitOK {
		return built
	}
	if built.BuiltToplevel == "" {
		return Result{
			EffectiveMode: ModeRebootOnKernelChange,
			ExitKind:      ExitBuildFailed,
			BuildLogTail:  built.BuildLogTail,
		}
	}

	changed, err := d.kernelChanged(built.BuiltToplevel)
	if err != nil {
		d.log.Error(err, "comparing bootspec, assuming kernel changed")
		changed = true
	}
	built.KernelChanged = changed

	if changed {
		built.EffectiveMode = ModeReboot
		return built
	}

	built.EffectiveMode = ModeSwitch
	out, err := d.runner.Run(ctx, filepath.Join(built.BuiltToplevel, "bin", "switch-to-configuration"), "test")
	built.BuildLogTail = tailOf(append([]byte(built.BuildLogTail+"\n"), out...), buildLogTailBytes)
	if err != nil {
		built.ExitKind = ExitActivateFailed
		return built
	}
	built.ExitKind = ExitOK
	return built
}

func (d *Driver) kernelChanged(builtToplevel string) (bool, error) {
	booted, err := readBootSpec(d.bootedBootJSON)
	if err != nil {
		return false, fmt.Errorf("read booted bootspec: %w", err)
	}
	built, err := readBootSpec(filepath.Join(builtToplevel, "boot.json"))
	if err != nil {
		return false, fmt.Errorf("read built bootspec: %w", err)
	}
	return booted.Kernel != built.Kernel || booted.Initrd != built.Initrd, nil
}

func readBootSpec(path string) (bootSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bootSpec{}, err
	}
	var doc map[string]bootSpec
	if err := json.Unmarshal(data, &doc); err != nil {
		return bootSpec{}, err
	}
	spec, ok := doc["org.nixos.bootspec.v1"]
	if !ok {
		return bootSpec{}, fmt.Errorf("%s: missing org.nixos.bootspec.v1", path)
	}
	return spec, nil
}

// classifyRebuildFailure guesses eval vs. build failure from nixos-rebuild's
// combined output; nixos-rebuild does not distinguish these with an exit
// code, only in the text it prints before failing.
func classifyRebuildFailure(err error, out []byte) ExitKind {
	s := string(out)
	for _, marker := range []string{"error: ", "evaluation error", "undefined variable"} {
		if containsFold(s, marker) {
			return ExitEvalFailed
		}
	}
	return ExitBuildFailed
}

func containsFold(s, substr string) bool {
	return bytes.Contains(bytes.ToLower([]byte(s)), bytes.ToLower([]byte(substr)))
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			b = b[:i]
			break
		}
	}
	return string(bytes.TrimSpace(b))
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func tailOf(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
