// Package vcsgit wraps the git command-line client, the sole VCS backend
// this codebase speaks to. Every exported operation returns a typed error
// from internal/errs so callers can tell a transient network hiccup from
// a corrupted local mirror without parsing strings.
package vcsgit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/apollo/pulldeploy/internal/errs"
)

// Commit is an opaque commit reference with the metadata the selector and
// orchestrator need to make decisions and write log lines.
type Commit struct {
	Hash           string
	AuthorDate     time.Time
	CommitterDate  time.Time
	Subject        string
}

// Ref is a remote branch and the commit it currently points at.
type Ref struct {
	Name string
	Tip  Commit
}

// CredentialEnvVar is the environment variable a configured credential
// helper reads the origin token from. It is set once, process-wide, by
// the CLI layer when a token is configured, and flows into git child
// processes through the inherited environment — never through argv,
// which is visible to other users via /proc/<pid>/cmdline.
const CredentialEnvVar = "PULLDEPLOY_GIT_TOKEN"

// Gateway wraps a single local clone of a single remote.
type Gateway struct {
	dir      string
	url      string
	hasToken bool
	log      logr.Logger
	runner   runner
}

// runner executes git and is swapped out in tests.
type runner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, string, int, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = scrubbedEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdout.String(), stderr.String(), -1, err
		}
	}
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), exitCode, nil
}

// scrubbedEnv starts from the inherited environment so a configured
// credential helper or proxy still works, but pins identity and disables
// user/system git config so behavior does not depend on who runs the
// daemon.
func scrubbedEnv() []string {
	env := os.Environ()
	env = append(env,
		"GIT_CONFIG_GLOBAL=",
		"GIT_CONFIG_SYSTEM=",
		"GIT_AUTHOR_NAME=pulldeploy",
		"GIT_AUTHOR_EMAIL=pulldeploy@localhost",
		"GIT_COMMITTER_NAME=pulldeploy",
		"GIT_COMMITTER_EMAIL=pulldeploy@localhost",
		"GIT_TERMINAL_PROMPT=0",
	)
	return env
}

// New returns a Gateway bound to a local clone directory and remote URL.
// It does not touch the filesystem; call EnsureRepo to do that. hasToken
// indicates that CredentialEnvVar has been set in this process's
// environment and a credential helper should be configured to read it.
func New(log logr.Logger, dir, url string, hasToken bool) *Gateway {
	return &Gateway{dir: dir, url: url, hasToken: hasToken, log: log.WithName("vcsgit"), runner: execRunner{}}
}

// SetRunnerForTesting swaps the process runner and returns a restore func.
func (g *Gateway) SetRunnerForTesting(r runner) func() {
	prev := g.runner
	g.runner = r
	return func() { g.runner = prev }
}

func (g *Gateway) run(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, code, err := g.runner.Run(ctx, g.dir, args...)
	if err != nil {
		return "", errs.New(errs.Transient, "git "+args[0], err)
	}
	if code != 0 {
		kind := classifyExit(args, stderr)
		return "", errs.New(kind, "git "+strings.Join(args, " "), fmt.Errorf("exit %d: %s", code, stderr))
	}
	return stdout, nil
}

// classifyExit decides whether a nonzero git exit represents a transient
// network failure or a fatal, unrecoverable repository problem.
func classifyExit(args []string, stderr string) errs.Kind {
	s := strings.ToLower(stderr)
	transientMarkers := []string{
		"could not resolve host",
		"could not read from remote repository",
		"unable to access",
		"connection timed out",
		"connection refused",
		"the remote end hung up unexpectedly",
		"early eof",
		"rpc failed",
		"ssl connect error",
	}
	for _, m := range transientMarkers {
		if strings.Contains(s, m) {
			return errs.Transient
		}
	}
	return errs.Fatal
}

// EnsureRepo clones into dir if it is absent or empty; otherwise it asserts
// that origin already points at url (and corrects it if not, mirroring a
// reconfigured remote rather than treating that as corruption).
func (g *Gateway) EnsureRepo(ctx context.Context) error {
	entries, statErr := os.ReadDir(g.dir)
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			return errs.New(errs.Fatal, "stat config_dir", statErr)
		}
		if err := os.MkdirAll(g.dir, 0o755); err != nil {
			return errs.New(errs.Fatal, "mkdir config_dir", err)
		}
		entries = nil
	}

	if len(entries) == 0 {
		if _, err := g.run(ctx, "init"); err != nil {
			return err
		}
		if _, err := g.run(ctx, "remote", "add", "origin", g.url); err != nil {
			return err
		}
		return g.configureCredentialHelper(ctx)
	}

	if _, err := os.Stat(filepath.Join(g.dir, ".git")); err != nil {
		return errs.New(errs.Fatal, "ensure_repo", fmt.Errorf("%s exists and is not a git repository", g.dir))
	}

	if _, err := g.run(ctx, "remote", "set-url", "origin", g.url); err != nil {
		return err
	}
	return g.configureCredentialHelper(ctx)
}

// configureCredentialHelper installs a git credential helper that reads
// the token from CredentialEnvVar at invocation time. The helper's own
// text — stored in git config, visible to anyone who can read
// config_dir/repo/.git/config — never contains the secret itself, only
// the name of the environment variable that does.
func (g *Gateway) configureCredentialHelper(ctx context.Context) error {
	if !g.hasToken {
		return nil
	}
	helper := fmt.Sprintf(`!f() { echo username=git; echo password="$%s"; }; f`, CredentialEnvVar)
	_, err := g.run(ctx, "config", "credential.helper", helper)
	return err
}

// Fetch fetches all branches from origin, pruning deleted refs.
func (g *Gateway) Fetch(ctx context.Context) error {
	_, err := g.run(ctx, "fetch", "--prune", "origin")
	return err
}

// RemoteBranches lists origin's remote branches with tip commit metadata,
// sorted by committer date ascending (git's own --sort=committerdate). The
// selector does its own ordering and does not depend on this order.
func (g *Gateway) RemoteBranches(ctx context.Context) ([]Ref, error) {
	out, err := g.run(ctx, "branch", "--list", "--remote", "--sort=committerdate", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var refs []Ref
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "origin/") {
			continue
		}
		name := strings.TrimPrefix(line, "origin/")
		if name == "HEAD" {
			continue
		}
		c, err := g.Commit(ctx, line)
		if err != nil {
			continue // ref vanished between listing and inspection; skip it
		}
		refs = append(refs, Ref{Name: name, Tip: c})
	}
	return refs, nil
}

// Commit resolves a ref (branch name, "origin/<branch>", or hash) to its
// metadata.
func (g *Gateway) Commit(ctx context.Context, ref string) (Commit, error) {
	out, err := g.run(ctx, "show", "-s", "--format=%H%n%aI%n%cI%n%s", ref)
	if err != nil {
		return Commit{}, err
	}
	lines := strings.SplitN(out, "\n", 4)
	if len(lines) < 4 {
		return Commit{}, errs.New(errs.Fatal, "parse commit", fmt.Errorf("unexpected git show output for %s", ref))
	}
	authorDate, _ := time.Parse(time.RFC3339, lines[1])
	committerDate, _ := time.Parse(time.RFC3339, lines[2])
	return Commit{
		Hash:          lines[0],
		AuthorDate:    authorDate,
		CommitterDate: committerDate,
		Subject:       lines[3],
	}, nil
}

// TryCommit is Commit but returns ok=false instead of an error when ref
// does not resolve (e.g. a bookkeeping branch that has never been created).
func (g *Gateway) TryCommit(ctx context.Context, ref string) (Commit, bool) {
	c, err := g.Commit(ctx, ref)
	if err != nil {
		return Commit{}, false
	}
	return c, true
}

// ErrNoCommonAncestor is returned by MergeBase when the two histories are
// disjoint.
var ErrNoCommonAncestor = errors.New("no common ancestor")

// MergeBase returns the most recent common ancestor of a and b.
func (g *Gateway) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := g.run(ctx, "merge-base", a, b)
	if err != nil {
		if k, ok := errs.KindOf(err); ok && k == errs.Fatal {
			return "", errs.New(errs.Fatal, "merge_base", ErrNoCommonAncestor)
		}
		return "", err
	}
	return out, nil
}

// IsAncestor reports whether possibleAncestor is an ancestor of (or equal
// to) commit.
func (g *Gateway) IsAncestor(ctx context.Context, possibleAncestor, commit string) (bool, error) {
	_, stderr, code, err := g.runner.Run(ctx, g.dir, "merge-base", "--is-ancestor", possibleAncestor, commit)
	if err != nil {
		return false, errs.New(errs.Transient, "is_ancestor", err)
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, errs.New(errs.Fatal, "is_ancestor", fmt.Errorf("exit %d: %s", code, stderr))
	}
}

// IsMergedInto reports whether branchTip has landed on main: true iff
// merge_base(branchTip, mainTip) == branchTip.
func (g *Gateway) IsMergedInto(ctx context.Context, branchTip, mainTip string) (bool, error) {
	base, err := g.MergeBase(ctx, branchTip, mainTip)
	if err != nil {
		if errors.Is(err, ErrNoCommonAncestor) {
			return false, nil
		}
		return false, err
	}
	return base == branchTip, nil
}

// CheckoutDetached checks out commit without moving any branch.
func (g *Gateway) CheckoutDetached(ctx context.Context, commit string) error {
	_, err := g.run(ctx, "checkout", "--detach", commit)
	return err
}

// ResetBranchTo creates branch if absent, otherwise hard-resets it to
// target — the mechanism behind the local "_deployed" bookkeeping branch
// that records what this host last activated.
func (g *Gateway) ResetBranchTo(ctx context.Context, branch, target string) error {
	_, stderr, code, err := g.runner.Run(ctx, g.dir, "checkout", branch)
	if err != nil {
		return errs.New(errs.Transient, "reset_branch_to", err)
	}
	if code != 0 {
		if strings.Contains(strings.ToLower(stderr), "did not match") || code == 1 {
			_, err := g.run(ctx, "branch", branch, target)
			return err
		}
		return errs.New(errs.Fatal, "reset_branch_to", fmt.Errorf("checkout %s: exit %d: %s", branch, code, stderr))
	}
	_, err = g.run(ctx, "reset", "--hard", target)
	return err
}

// CurrentBranchCommit resolves a local bookkeeping branch to its commit,
// returning ok=false if the branch does not exist yet.
func (g *Gateway) CurrentBranchCommit(ctx context.Context, branch string) (Commit, bool) {
	return g.TryCommit(ctx, branch)
}

