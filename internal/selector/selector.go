// Package selector implements the pure target-selection algorithm: given
// the set of remote branches and a little ancestry information, decide
// which commit this host should be running. It has no side effects and
// talks to version control only through the Ancestry interface, so it is
// exercised entirely with fakes in tests.
package selector

import (
	"context"
	"sort"
	"strings"
)

// Ref is a remote branch name and the commit its tip currently points at,
// mirroring vcsgit.Ref without creating a dependency on that package.
type Ref struct {
	Name          string
	Hash          string
	Subject       string
	CommitterDate int64 // unix seconds; only relative order matters
}

// BranchType distinguishes the two kinds of targets the selector can
// return.
type BranchType string

const (
	Main    BranchType = "main"
	Testing BranchType = "testing"
)

// Target is the selector's output.
type Target struct {
	Commit        string
	CommitMessage string
	Type          BranchType
	BranchName    string
}

// Ancestry answers the three relations the algorithm needs. Implementations
// talk to a real VCS gateway; tests supply a fake built from a small DAG.
type Ancestry interface {
	IsMergedInto(ctx context.Context, branchTip, mainTip string) (bool, error)
	MergeBase(ctx context.Context, a, b string) (string, error)
	IsAncestor(ctx context.Context, possibleAncestor, commit string) (bool, error)
}

// Select runs the four-step algorithm from refs, which must include the
// main branch under mainRefName (refs not matching either the main name or
// a hostname-tagged testing name are ignored). deployedCommit is the hash
// of what is currently active on this host, empty if unknown.
func Select(ctx context.Context, anc Ancestry, hostname, mainRefName, testingPrefix, testingSeparator string, refs []Ref, deployedCommit string) (Target, error) {
	var main *Ref
	var candidates []Ref

	for i := range refs {
		r := refs[i]
		if r.Name == mainRefName {
			main = &refs[i]
			continue
		}
		if hostnames, ok := parseTestingRef(r.Name, testingPrefix, testingSeparator); ok && containsHost(hostnames, hostname) {
			candidates = append(candidates, r)
		}
	}

	if main == nil {
		return Target{}, errMainRefMissing{name: mainRefName}
	}

	var survivors []Ref
	for _, t := range candidates {
		ok, err := survives(ctx, anc, t, *main, deployedCommit)
		if err != nil {
			return Target{}, err
		}
		if ok {
			survivors = append(survivors, t)
		}
	}

	if len(survivors) == 0 {
		return Target{Commit: main.Hash, CommitMessage: main.Subject, Type: Main, BranchName: main.Name}, nil
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].CommitterDate != survivors[j].CommitterDate {
			return survivors[i].CommitterDate > survivors[j].CommitterDate
		}
		return survivors[i].Name < survivors[j].Name
	})

	winner := survivors[0]
	return Target{Commit: winner.Hash, CommitMessage: winner.Subject, Type: Testing, BranchName: winner.Name}, nil
}

// survives implements steps 2a and 2b for a single candidate.
func survives(ctx context.Context, anc Ancestry, t, main Ref, deployedCommit string) (bool, error) {
	landed, err := anc.IsMergedInto(ctx, t.Hash, main.Hash)
	if err != nil {
		return false, err
	}
	if landed {
		return false, nil
	}

	if deployedCommit == "" {
		return true, nil
	}

	base, err := anc.MergeBase(ctx, deployedCommit, main.Hash)
	if err != nil {
		return false, err
	}

	behindBase, err := anc.IsAncestor(ctx, t.Hash, base)
	if err != nil {
		return false, err
	}
	if behindBase && t.Hash != base {
		return false, nil
	}
	return true, nil
}

// parseTestingRef reports whether name is testingPrefix followed by a
// non-empty separator-delimited list of hostnames, and returns that list.
func parseTestingRef(name, prefix, sep string) ([]string, bool) {
	if !strings.HasPrefix(name, prefix) {
		return nil, false
	}
	rest := strings.TrimPrefix(name, prefix)
	if rest == "" {
		return nil, false
	}
	parts := strings.Split(rest, sep)
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}

func containsHost(hostnames []string, host string) bool {
	for _, h := range hostnames {
		if h == host {
			return true
		}
	}
	return false
}

type errMainRefMissing struct{ name string }

func (e errMainRefMissing) Error() string { return "main ref " + e.name + " not found among remote branches" }
