/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githost

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Target identifies the pull request a run operates on.
type Target struct {
	Owner  string
	Repo   string
	Number int
}

// FullName returns "owner/repo".
func (t Target) FullName() string {
	return t.Owner + "/" + t.Repo
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s#%d", t.Owner, t.Repo, t.Number)
}

var (
	segmentRE   = regexp.MustCompile(`^[\w.-]+$`)
	shorthandRE = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)#(\d+)$`)
)

// ParseTarget accepts either a pull request URL of the form
// https://<host>/<owner>/<repo>/pull/<number> or the shorthand owner/repo#number.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if m := shorthandRE.FindStringSubmatch(s); m != nil {
		return newTarget(m[1], m[2], m[3])
	}

	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("parsing pull request %q: %w", s, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return Target{}, fmt.Errorf("malformed pull request %q: want a URL or owner/repo#number", s)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "pull" {
		return Target{}, fmt.Errorf("malformed pull request URL %q: want /<owner>/<repo>/pull/<number>", s)
	}
	return newTarget(parts[0], parts[1], parts[3])
}

func newTarget(owner, repo, number string) (Target, error) {
	if !segmentRE.MatchString(owner) || !segmentRE.MatchString(repo) {
		return Target{}, fmt.Errorf("malformed repository %s/%s", owner, repo)
	}
	n, err := strconv.Atoi(number)
	if err != nil || n <= 0 {
		return Target{}, fmt.Errorf("malformed pull request number %q", number)
	}
	return Target{Owner: owner, Repo: repo, Number: n}, nil
}

// MergeMethod is one of the strategies the host can merge with.
type MergeMethod string

const (
	MergeMethodMerge  MergeMethod = "merge"
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodRebase MergeMethod = "rebase"
)

// MergeMethods lists every supported method in the default fallback order.
var MergeMethods = []MergeMethod{MergeMethodSquash, MergeMethodMerge, MergeMethodRebase}

// Valid reports whether m is a supported merge method.
func (m MergeMethod) Valid() bool {
	switch m {
	case MergeMethodMerge, MergeMethodSquash, MergeMethodRebase:
		return true
	}
	return false
}

// Mergeable states reported by GitHub for a pull request.
const (
	MergeableStateBehind   = "behind"
	MergeableStateDirty    = "dirty"
	MergeableStateClean    = "clean"
	MergeableStateBlocked  = "blocked"
	MergeableStateUnstable = "unstable"
	MergeableStateUnknown  = "unknown"
)

// PullRequest is a point-in-time snapshot of a pull request and the
// repository settings that gate merging it.
type PullRequest struct {
	Target Target

	Title string
	Body  string
	State string // "open" or "closed"
	Draft bool

	Merged bool

	HeadSHA string
	HeadRef string
	BaseRef string

	MergeableState string

	// Approvals counts reviewers whose latest opinionated review approves.
	Approvals int
	// BranchProtectionMinApprovals is nil when the base branch has no
	// review requirement the client could read.
	BranchProtectionMinApprovals *int
	// AllowedMergeMethods is empty when the repository settings are unknown.
	AllowedMergeMethods []MergeMethod
}

// Behind reports whether the head branch lags the base branch.
func (pr *PullRequest) Behind() bool {
	return pr.MergeableState == MergeableStateBehind
}

// Conflicted reports whether the head branch has merge conflicts with the base.
func (pr *PullRequest) Conflicted() bool {
	return pr.MergeableState == MergeableStateDirty
}

// UpdateOutcome is the host's answer to a branch update request.
type UpdateOutcome string

const (
	UpdateOK       UpdateOutcome = "ok"
	UpdateConflict UpdateOutcome = "conflict"
)

// MergeOutcome is the host's answer to a merge attempt.
type MergeOutcome string

const (
	MergeAccepted                 MergeOutcome = "accepted"
	MergeRejectedMethodNotAllowed MergeOutcome = "rejected_method_not_allowed"
	MergeRejectedOther            MergeOutcome = "rejected_other"
)

// MergeResult describes the outcome of a single merge attempt.
type MergeResult struct {
	Outcome MergeOutcome
	// SHA is the merge commit when the merge was accepted.
	SHA string
	// Message is the host's explanation, if any.
	Message string
}

// Host is the code-host capability the orchestrator drives. Transport and API
// failures are returned as errors; rejections are reported through outcomes.
type Host interface {
	GetPullRequest(ctx context.Context, target Target) (*PullRequest, error)
	RequestBranchUpdate(ctx context.Context, pr *PullRequest) (UpdateOutcome, error)
	AttemptMerge(ctx context.Context, pr *PullRequest, method MergeMethod) (*MergeResult, error)
}
