/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chainguard.dev/automerge/retry"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
)

// Client implements Host against the GitHub API.
type Client struct {
	gh    *github.Client
	gql   *githubv4.Client
	retry retry.RetryConfig
}

var _ Host = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithGraphQLClient overrides the GraphQL client, e.g. for GitHub Enterprise.
func WithGraphQLClient(gql *githubv4.Client) Option {
	return func(c *Client) { c.gql = gql }
}

// WithRetryConfig overrides the rate limit retry policy.
func WithRetryConfig(cfg retry.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a Client. The GraphQL client shares gh's HTTP client unless
// overridden.
func New(gh *github.Client, opts ...Option) *Client {
	c := &Client{
		gh:    gh,
		retry: retry.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gql == nil {
		c.gql = githubv4.NewClient(gh.Client())
	}
	return c
}

// GitHub returns the underlying REST client, shared with the CI providers.
func (c *Client) GitHub() *github.Client {
	return c.gh
}

// RetryConfig returns the rate limit retry policy, shared with the CI providers.
func (c *Client) RetryConfig() retry.RetryConfig {
	return c.retry
}

// Call runs a go-github request, retrying rate limit and 5xx responses.
func Call[T any](ctx context.Context, cfg retry.RetryConfig, operation string, fn func() (T, *github.Response, error)) (T, error) {
	return retry.RetryWithBackoff(ctx, cfg, operation, IsRetryable, func() (T, error) {
		v, _, err := fn()
		return v, err
	})
}

// IsRetryable reports whether err is a GitHub rate limit or transient server error.
func IsRetryable(err error) bool {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var are *github.AbuseRateLimitError
	if errors.As(err, &are) {
		return true
	}
	return retry.IsRetryableStatus(StatusCode(err))
}

// StatusCode extracts the HTTP status of a go-github error response, or 0.
func StatusCode(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}

func errorMessage(err error) string {
	var er *github.ErrorResponse
	if errors.As(err, &er) {
		msg := er.Message
		for _, e := range er.Errors {
			msg += "; " + e.Message
		}
		return msg
	}
	return err.Error()
}

// GetPullRequest implements Host.
func (c *Client) GetPullRequest(ctx context.Context, t Target) (*PullRequest, error) {
	pr, err := Call(ctx, c.retry, "get pull request", func() (*github.PullRequest, *github.Response, error) {
		return c.gh.PullRequests.Get(ctx, t.Owner, t.Repo, t.Number)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching pull request %s: %w", t, err)
	}

	snap := &PullRequest{
		Target:         t,
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		State:          pr.GetState(),
		Draft:          pr.GetDraft(),
		Merged:         pr.GetMerged(),
		HeadSHA:        pr.GetHead().GetSHA(),
		HeadRef:        pr.GetHead().GetRef(),
		BaseRef:        pr.GetBase().GetRef(),
		MergeableState: pr.GetMergeableState(),
	}
	if snap.MergeableState == "" {
		snap.MergeableState = MergeableStateUnknown
	}
	if snap.State != "open" {
		// Nothing else matters for a closed pull request.
		return snap, nil
	}

	if snap.Approvals, err = c.approvals(ctx, t); err != nil {
		return nil, err
	}
	if snap.BranchProtectionMinApprovals, err = c.requiredApprovals(ctx, t, snap.BaseRef); err != nil {
		return nil, err
	}
	if snap.AllowedMergeMethods, err = c.allowedMergeMethods(ctx, t); err != nil {
		return nil, err
	}
	return snap, nil
}

// approvals counts reviewers whose latest opinionated review is an approval.
func (c *Client) approvals(ctx context.Context, t Target) (int, error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				LatestOpinionatedReviews struct {
					Nodes []struct {
						State  githubv4.PullRequestReviewState
						Author struct {
							Login string
						}
					}
				} `graphql:"latestOpinionatedReviews(first: 100, writersOnly: true)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}
	variables := map[string]any{
		"owner":  githubv4.String(t.Owner),
		"repo":   githubv4.String(t.Repo),
		"number": githubv4.Int(t.Number),
	}
	if _, err := retry.RetryWithBackoff(ctx, c.retry, "query reviews", IsRetryable, func() (struct{}, error) {
		return struct{}{}, c.gql.Query(ctx, &query, variables)
	}); err != nil {
		return 0, fmt.Errorf("querying reviews for %s: %w", t, err)
	}

	approved := make(map[string]struct{})
	for _, review := range query.Repository.PullRequest.LatestOpinionatedReviews.Nodes {
		if review.State == githubv4.PullRequestReviewStateApproved {
			approved[review.Author.Login] = struct{}{}
		}
	}
	return len(approved), nil
}

// requiredApprovals reads the base branch protection's approving review count.
func (c *Client) requiredApprovals(ctx context.Context, t Target, branch string) (*int, error) {
	log := clog.FromContext(ctx)

	protection, err := Call(ctx, c.retry, "get branch protection", func() (*github.Protection, *github.Response, error) {
		return c.gh.Repositories.GetBranchProtection(ctx, t.Owner, t.Repo, branch)
	})
	switch {
	case errors.Is(err, github.ErrBranchNotProtected), StatusCode(err) == http.StatusNotFound:
		log.With("branch", branch).Debug("Base branch is not protected")
		return nil, nil
	case StatusCode(err) == http.StatusForbidden:
		// Reading protection needs admin rights on the repository.
		log.With("branch", branch).Warn("Cannot read branch protection, relying on policy approvals only")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("fetching branch protection for %s: %w", branch, err)
	}

	reviews := protection.GetRequiredPullRequestReviews()
	if reviews == nil {
		return nil, nil
	}
	n := reviews.RequiredApprovingReviewCount
	return &n, nil
}

func (c *Client) allowedMergeMethods(ctx context.Context, t Target) ([]MergeMethod, error) {
	repo, err := Call(ctx, c.retry, "get repository", func() (*github.Repository, *github.Response, error) {
		return c.gh.Repositories.Get(ctx, t.Owner, t.Repo)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching repository %s: %w", t.FullName(), err)
	}
	var methods []MergeMethod
	if repo.GetAllowSquashMerge() {
		methods = append(methods, MergeMethodSquash)
	}
	if repo.GetAllowMergeCommit() {
		methods = append(methods, MergeMethodMerge)
	}
	if repo.GetAllowRebaseMerge() {
		methods = append(methods, MergeMethodRebase)
	}
	return methods, nil
}

// RequestBranchUpdate implements Host.
func (c *Client) RequestBranchUpdate(ctx context.Context, pr *PullRequest) (UpdateOutcome, error) {
	t := pr.Target
	_, err := Call(ctx, c.retry, "update branch", func() (*github.PullRequestBranchUpdateResponse, *github.Response, error) {
		return c.gh.PullRequests.UpdateBranch(ctx, t.Owner, t.Repo, t.Number, &github.PullRequestBranchUpdateOptions{
			ExpectedHeadSHA: github.Ptr(pr.HeadSHA),
		})
	})
	var accepted *github.AcceptedError
	if err == nil || errors.As(err, &accepted) {
		return UpdateOK, nil
	}
	if StatusCode(err) == http.StatusUnprocessableEntity {
		msg := errorMessage(err)
		if strings.Contains(strings.ToLower(msg), "conflict") {
			return UpdateConflict, nil
		}
		// The head moved under us; someone else updated the branch.
		clog.FromContext(ctx).With("reason", msg).Info("Branch update not applied, head changed")
		return UpdateOK, nil
	}
	return "", fmt.Errorf("updating branch of %s: %w", t, err)
}

// AttemptMerge implements Host.
func (c *Client) AttemptMerge(ctx context.Context, pr *PullRequest, method MergeMethod) (*MergeResult, error) {
	t := pr.Target
	opts := &github.PullRequestOptions{
		SHA:         pr.HeadSHA,
		MergeMethod: string(method),
	}
	var message string
	if method == MergeMethodSquash {
		opts.CommitTitle = fmt.Sprintf("%s (#%d)", pr.Title, t.Number)
		message = pr.Body
	}

	res, err := Call(ctx, c.retry, "merge pull request", func() (*github.PullRequestMergeResult, *github.Response, error) {
		return c.gh.PullRequests.Merge(ctx, t.Owner, t.Repo, t.Number, message, opts)
	})
	if err != nil {
		switch StatusCode(err) {
		case http.StatusMethodNotAllowed, http.StatusUnprocessableEntity:
			msg := errorMessage(err)
			if methodNotAllowed(msg) {
				return &MergeResult{Outcome: MergeRejectedMethodNotAllowed, Message: msg}, nil
			}
			return &MergeResult{Outcome: MergeRejectedOther, Message: msg}, nil
		case http.StatusConflict:
			return &MergeResult{Outcome: MergeRejectedOther, Message: errorMessage(err)}, nil
		}
		return nil, fmt.Errorf("merging %s: %w", t, err)
	}
	if !res.GetMerged() {
		return &MergeResult{Outcome: MergeRejectedOther, Message: res.GetMessage()}, nil
	}
	return &MergeResult{Outcome: MergeAccepted, SHA: res.GetSHA(), Message: res.GetMessage()}, nil
}

// methodNotAllowed recognizes GitHub's "<Kind> merges are not allowed on this
// repository." rejections, as opposed to other 405s such as failing checks.
func methodNotAllowed(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not allowed on this repository") ||
		(strings.Contains(msg, "merge method") && strings.Contains(msg, "not allowed"))
}
