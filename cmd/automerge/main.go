/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main implements automerge, which drives one pull request to a
// merge: it keeps the branch current, re-runs flaky checks, waits for
// approvals and merges with the first allowed method.
//
// Exit status: 0 merged, 1 aborted and needs a human, 2 configuration or
// usage error, 3 aborted but worth retrying later.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/terraform-infra-common/pkg/httpmetrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"chainguard.dev/automerge/checks"
	"chainguard.dev/automerge/checks/actions"
	"chainguard.dev/automerge/checks/circleci"
	"chainguard.dev/automerge/githost"
	"chainguard.dev/automerge/orchestrator"
	"chainguard.dev/automerge/policy"
	"chainguard.dev/automerge/retry"
)

const (
	exitMerged     = 0
	exitNeedsHuman = 1
	exitConfig     = 2
	exitRetryable  = 3
)

type config struct {
	GitHubToken          string `env:"GITHUB_TOKEN"`
	GitHubAppID          int64  `env:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `env:"GITHUB_INSTALLATION_ID"`
	// GitHubAppPrivateKey is either a PEM key or the path to one.
	GitHubAppPrivateKey string `env:"GITHUB_APP_PRIVATE_KEY"`
	GitHubAPIURL        string `env:"GITHUB_API_URL"`

	CircleCIToken string `env:"CIRCLECI_TOKEN"`

	Policy          string        `env:"AUTOMERGE_POLICY"`
	Timeout         time.Duration `env:"AUTOMERGE_TIMEOUT,default=2h"`
	PollInterval    time.Duration `env:"AUTOMERGE_POLL_INTERVAL,default=30s"`
	MaxPollInterval time.Duration `env:"AUTOMERGE_MAX_POLL_INTERVAL,default=5m"`
	MaxRetries      int           `env:"AUTOMERGE_MAX_RETRIES,default=5"`

	MetricsPort   int  `env:"METRICS_PORT,default=0"`
	EnableTracing bool `env:"ENABLE_TRACING,default=false"`
}

func (c config) privateKey() ([]byte, error) {
	key := strings.TrimSpace(c.GitHubAppPrivateKey)
	if key == "" || strings.HasPrefix(key, "-----BEGIN") {
		return []byte(key), nil
	}
	b, err := os.ReadFile(key)
	if err != nil {
		return nil, fmt.Errorf("reading GitHub App private key: %w", err)
	}
	return b, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()

	var abort *orchestrator.AbortError
	if err != nil && !errors.As(err, &abort) {
		fmt.Fprintln(os.Stderr, "automerge:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitMerged
	}
	var abort *orchestrator.AbortError
	if !errors.As(err, &abort) {
		// Anything that fails before the run starts is configuration or usage.
		return exitConfig
	}
	switch {
	case abort.Reason == orchestrator.ReasonConfigError:
		return exitConfig
	case abort.Reason.Retryable():
		return exitRetryable
	default:
		return exitNeedsHuman
	}
}

type flags struct {
	policy          string
	timeout         time.Duration
	pollInterval    time.Duration
	maxPollInterval time.Duration
	dryRun          bool
	verbose         bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "automerge [flags] <pull-request>",
		Short: "Merge a pull request once its branch is current, its checks pass and it is approved",
		Long: `automerge drives a single pull request to a merge.

The pull request is given as a URL (https://github.com/owner/repo/pull/123)
or as owner/repo#123. Credentials are read from GITHUB_TOKEN, or from
GITHUB_APP_ID, GITHUB_INSTALLATION_ID and GITHUB_APP_PRIVATE_KEY.
CIRCLECI_TOKEN enables re-running failed CircleCI workflows.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, args[0], f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.policy, "policy", "", "Path to the YAML merge policy (env AUTOMERGE_POLICY)")
	fl.DurationVar(&f.timeout, "timeout", 0, "Give up after this long (env AUTOMERGE_TIMEOUT, default 2h)")
	fl.DurationVar(&f.pollInterval, "poll-interval", 0, "Base delay between polls (env AUTOMERGE_POLL_INTERVAL, default 30s)")
	fl.DurationVar(&f.maxPollInterval, "max-poll-interval", 0, "Maximum delay between polls (env AUTOMERGE_MAX_POLL_INTERVAL, default 5m)")
	fl.BoolVar(&f.dryRun, "dry-run", false, "Report what would be done without updating, re-running or merging")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "Log every poll")
	return cmd
}

// applyFlags overrides environment configuration with flags set explicitly.
func applyFlags(cmd *cobra.Command, f flags, cfg *config) {
	fl := cmd.Flags()
	if fl.Changed("policy") {
		cfg.Policy = f.policy
	}
	if fl.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if fl.Changed("poll-interval") {
		cfg.PollInterval = f.pollInterval
	}
	if fl.Changed("max-poll-interval") {
		cfg.MaxPollInterval = f.maxPollInterval
	}
}

func run(ctx context.Context, cmd *cobra.Command, arg string, f flags) error {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	ctx = clog.WithLogger(ctx, clog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return fmt.Errorf("processing config: %w", err)
	}
	applyFlags(cmd, f, &cfg)

	target, err := githost.ParseTarget(arg)
	if err != nil {
		return err
	}
	pol, err := policy.Load(cfg.Policy)
	if err != nil {
		return err
	}

	if cfg.EnableTracing {
		defer httpmetrics.SetupTracer(ctx)()
	}
	if cfg.MetricsPort > 0 {
		go serveMetrics(ctx, cfg.MetricsPort)
	}

	key, err := cfg.privateKey()
	if err != nil {
		return err
	}
	rc, errRetry := retryConfigs(cfg.MaxRetries)
	client, err := githost.NewFromCredentials(ctx, githost.Credentials{
		Token:          cfg.GitHubToken,
		AppID:          cfg.GitHubAppID,
		InstallationID: cfg.GitHubInstallationID,
		PrivateKey:     key,
		APIURL:         cfg.GitHubAPIURL,
	}, httpmetrics.Transport, githost.WithRetryConfig(rc))
	if err != nil {
		return err
	}

	var cci *circleci.Client
	if cfg.CircleCIToken != "" {
		cci = circleci.NewClient(cfg.CircleCIToken,
			circleci.WithHTTPClient(&http.Client{Transport: httpmetrics.Transport}),
			circleci.WithClientRetryConfig(rc))
	}

	var host githost.Host = client
	providers := []checks.Provider{
		actions.New(client.GitHub(), actions.WithRetryConfig(rc)),
		circleci.New(client.GitHub(), cci, circleci.WithRetryConfig(rc)),
	}
	if f.dryRun {
		host = githost.DryRun{Host: client}
		for i, p := range providers {
			providers[i] = checks.DryRun{Provider: p}
		}
	}

	m, err := orchestrator.New(host, pol,
		orchestrator.WithProviders(providers...),
		orchestrator.WithPollInterval(cfg.PollInterval, cfg.MaxPollInterval),
		orchestrator.WithErrorRetry(errRetry),
		orchestrator.WithTimeout(cfg.Timeout),
	)
	if err != nil {
		return err
	}

	clog.InfoContextf(ctx, "Merging %s (timeout %s, dry run %v)", target, cfg.Timeout, f.dryRun)
	res, err := m.Run(ctx, target)
	report(cmd.OutOrStdout(), res, err)
	return err
}

// retryConfigs returns the retry policy of individual API calls and the
// machine's budget of consecutive failed polls. Calls are not retried on
// their own, so maxRetries bounds the failed requests a run tolerates.
func retryConfigs(maxRetries int) (calls, polls retry.RetryConfig) {
	calls = retry.DefaultRetryConfig()
	calls.MaxRetries = 0
	polls = retry.DefaultRetryConfig()
	polls.MaxRetries = maxRetries
	return calls, polls
}

// report prints the outcome of a run for the operator.
func report(w io.Writer, res *orchestrator.Result, err error) {
	if err == nil {
		fmt.Fprintf(w, "Merged %s with %s (commit %s) after %d polls\n", res.Target, res.Method, res.Commit, res.Cycles)
		return
	}

	var abort *orchestrator.AbortError
	if !errors.As(err, &abort) {
		fmt.Fprintf(w, "Failed %s: %v\n", res.Target, err)
		return
	}
	fmt.Fprintf(w, "Aborted %s: %s while %s\n", res.Target, abort.Reason, abort.State)
	if abort.Cause != nil {
		fmt.Fprintf(w, "  reason: %v\n", abort.Cause)
	}
	s := abort.Snapshot
	if s.HeadSHA != "" {
		fmt.Fprintf(w, "  head: %s (%s)\n", s.HeadSHA, s.MergeableState)
	}
	if s.RequiredApprovals > 0 || s.Approvals > 0 {
		fmt.Fprintf(w, "  approvals: %d of %d\n", s.Approvals, s.RequiredApprovals)
	}
	for _, c := range s.Checks {
		fmt.Fprintf(w, "  check %q: %s, %d failures\n", c.Name, c.State, c.Failures)
	}
	for _, a := range res.Attempts {
		fmt.Fprintf(w, "  merge %s: %s %s\n", a.Method, a.Outcome, a.Message)
	}
}

func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.WithoutCancel(ctx))
	}()
	clog.InfoContextf(ctx, "Serving metrics on port %d", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		clog.ErrorContextf(ctx, "metrics server: %v", err)
	}
}
