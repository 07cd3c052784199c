// Package generation enumerates and activates NixOS system generations.
// The nix store itself is immutable and carries no notion of "which
// commit built this", so alongside nix's own generation links this
// package maintains a sidecar marker file recording the source commit
// for each generation this tool has ever built.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"github.com/apollo/pulldeploy/internal/digestutil"
)

const defaultProfileDir = "/nix/var/nix/profiles"

var reGenerationLink = regexp.MustCompile(`^system-(\d+)-link$`)

// Generation is one entry in the system profile's generation history.
type Generation struct {
	Number int
	// StorePath is the realpath of the generation's store path, i.e. the
	// toplevel derivation this generation booted or switched to.
	StorePath string
	// Commit is the source commit that built this generation, recovered
	// from the sidecar marker file if one exists; empty if this
	// generation predates this tool or its marker was lost.
	Commit string
	// Fingerprint is a diagnostic content digest over the marker file,
	// empty if no marker exists. Never compared for equality by any
	// decision this package or its callers make.
	Fingerprint digest.Digest
}

// Runner executes switch-to-configuration. Pluggable for tests.
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

// Registry discovers generations under profileDir and persists source
// commit markers under markerDir (normally config_dir/generations).
type Registry struct {
	log               logr.Logger
	profileDir        string
	markerDir         string
	currentSystemPath string
	bootedSystemPath  string
	runner            Runner
}

// New returns a Registry rooted at the real NixOS profile directory.
func New(log logr.Logger, markerDir string) *Registry {
	return &Registry{
		log:               log.WithName("generation"),
		profileDir:        defaultProfileDir,
		markerDir:         markerDir,
		currentSystemPath: "/run/current-system",
		bootedSystemPath:  "/run/booted-system",
		runner:            execRunner{},
	}
}

// SetRunnerForTesting swaps the switch-to-configuration runner and returns
// a restore func.
func (r *Registry) SetRunnerForTesting(run Runner) func() {
	prev := r.runner
	r.runner = run
	return func() { r.runner = prev }
}

// SetProfileDirForTesting overrides the generation-link directory and
// returns a restore func.
func (r *Registry) SetProfileDirForTesting(dir string) func() {
	prev := r.profileDir
	r.profileDir = dir
	return func() { r.profileDir = prev }
}

// SetRunningSystemPathsForTesting overrides the /run/current-system and
// /run/booted-system symlink paths and returns a restore func.
func (r *Registry) SetRunningSystemPathsForTesting(currentSystemPath, bootedSystemPath string) func() {
	prevCurrent, prevBooted := r.currentSystemPath, r.bootedSystemPath
	r.currentSystemPath, r.bootedSystemPath = currentSystemPath, bootedSystemPath
	return func() { r.currentSystemPath, r.bootedSystemPath = prevCurrent, prevBooted }
}

// List returns every discoverable generation, ordered by generation
// number ascending.
func (r *Registry) List() ([]Generation, error) {
	entries, err := os.ReadDir(r.profileDir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir %s: %w", r.profileDir, err)
	}

	var gens []Generation
	for _, e := range entries {
		m := reGenerationLink.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		target, err := filepath.EvalSymlinks(filepath.Join(r.profileDir, e.Name()))
		if err != nil {
			r.log.V(1).Info("generation link does not resolve, skipping", "name", e.Name(), "error", err.Error())
			continue
		}
		commit, fingerprint := r.readMarker(n)
		gens = append(gens, Generation{
			Number:      n,
			StorePath:   target,
			Commit:      commit,
			Fingerprint: fingerprint,
		})
	}

	sort.Slice(gens, func(i, j int) bool { return gens[i].Number < gens[j].Number })
	return gens, nil
}

// Current returns the generation /run/current-system currently points at.
func (r *Registry) Current() (Generation, bool, error) {
	return r.resolveRunningSystem(r.currentSystemPath)
}

// Booted returns the generation the running kernel was booted into, which
// can lag Current() when a "test" or "switch" activation ran without a
// reboot.
func (r *Registry) Booted() (Generation, bool, error) {
	return r.resolveRunningSystem(r.bootedSystemPath)
}

func (r *Registry) resolveRunningSystem(path string) (Generation, bool, error) {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return Generation{}, false, fmt.Errorf("resolve %s: %w", path, err)
	}
	gens, err := r.List()
	if err != nil {
		return Generation{}, false, err
	}
	for _, g := range gens {
		if g.StorePath == target {
			return g, true, nil
		}
	}
	return Generation{}, false, nil
}

// Previous returns the generation immediately before the current one, if
// any. Rollback is Activate(previous, "switch").
func (r *Registry) Previous() (Generation, bool, error) {
	current, ok, err := r.Current()
	if err != nil {
		return Generation{}, false, err
	}
	if !ok {
		return Generation{}, false, nil
	}

	gens, err := r.List()
	if err != nil {
		return Generation{}, false, err
	}

	var best Generation
	found := false
	for _, g := range gens {
		if g.Number < current.Number && (!found || g.Number > best.Number) {
			best = g
			found = true
		}
	}
	return best, found, nil
}

// Activate runs switch-to-configuration for the given generation in the
// given mode ("test", "switch", or "boot").
func (r *Registry) Activate(ctx context.Context, g Generation, mode string) error {
	bin := filepath.Join(g.StorePath, "bin", "switch-to-configuration")
	out, err := r.runner.Run(ctx, bin, mode)
	if err != nil {
		return fmt.Errorf("switch-to-configuration %s (generation %d): %w: %s", mode, g.Number, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RecordMarker persists the source commit for a newly built generation,
// so a future Current()/Previous() call can recover it.
func (r *Registry) RecordMarker(generationNumber int, commit, message string) error {
	if err := os.MkdirAll(r.markerDir, 0o755); err != nil {
		return fmt.Errorf("mkdir markers dir: %w", err)
	}
	doc := struct {
		Commit  string `json:"commit"`
		Message string `json:"commit_message"`
	}{Commit: commit, Message: message}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	return writeAtomic(r.markerPath(generationNumber), b, 0o644)
}

func (r *Registry) readMarker(generationNumber int) (string, digest.Digest) {
	data, err := os.ReadFile(r.markerPath(generationNumber))
	if err != nil {
		return "", ""
	}
	var doc struct {
		Commit string `json:"commit"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", ""
	}
	return doc.Commit, digestutil.Fingerprint(data)
}

func (r *Registry) markerPath(generationNumber int) string {
	return filepath.Join(r.markerDir, fmt.Sprintf("generation-%d.json", generationNumber))
}

func writeAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-marker-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
