/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package circleci

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v84/github"
	"github.com/stretchr/testify/require"

	"chainguard.dev/automerge/checks"
	"chainguard.dev/automerge/githost"
	"chainguard.dev/automerge/retry"
)

var (
	testPR = &githost.PullRequest{
		Target:  githost.Target{Owner: "octo", Repo: "widgets", Number: 7},
		HeadSHA: "abc123",
	}
	fastRetry = retry.RetryConfig{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
)

func newServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newGitHub(t *testing.T, srv *httptest.Server) *github.Client {
	t.Helper()
	gh := github.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	return gh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestListChecks verifies that only CircleCI statuses become checks.
func TestListChecks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/widgets/commits/abc123/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"state": "failure",
			"statuses": []map[string]any{
				{"context": "ci/circleci: test", "state": "failure", "target_url": "https://circleci.com/gh/octo/widgets/41"},
				{"context": "ci/circleci: lint", "state": "success", "target_url": "https://app.circleci.com/pipelines/github/octo/widgets/9/workflows/wf-1/jobs/40"},
				{"context": "ci/circleci: e2e", "state": "pending", "target_url": "https://circleci.com/gh/octo/widgets/42"},
				{"context": "ci/circleci: deploy", "state": "error", "target_url": "https://circleci.com/gh/octo/widgets/43"},
				{"context": "coverage", "state": "failure", "target_url": "https://codecov.io/gh/octo/widgets"},
			},
		})
	})
	gh := newGitHub(t, newServer(t, mux))

	got, err := New(gh, nil, WithRetryConfig(fastRetry)).ListChecks(context.Background(), testPR)
	require.NoError(t, err)

	want := []checks.Check{
		{Name: "ci/circleci: test", State: checks.StateFailure},
		{Name: "ci/circleci: lint", State: checks.StateSuccess},
		{Name: "ci/circleci: e2e", State: checks.StatePending},
		{Name: "ci/circleci: deploy", State: checks.StateFailure},
	}
	ignore := cmp.Transformer("noIDs", func(c checks.Check) checks.Check {
		c.RunID, c.URL = "", ""
		return c
	})
	if diff := cmp.Diff(want, got, ignore); diff != "" {
		t.Errorf("ListChecks() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseJobURL(t *testing.T) {
	tests := []struct {
		url     string
		want    jobRef
		wantErr bool
	}{{
		url:  "https://circleci.com/gh/octo/widgets/41?utm_source=github",
		want: jobRef{slug: "gh/octo/widgets", number: 41},
	}, {
		url:  "https://app.circleci.com/pipelines/github/octo/widgets/9/workflows/wf-1/jobs/40",
		want: jobRef{slug: "github/octo/widgets", number: 40, workflowID: "wf-1"},
	}, {
		url:  "https://app.circleci.com/pipelines/github/octo/widgets/9/workflows/wf-2",
		want: jobRef{slug: "github/octo/widgets", workflowID: "wf-2"},
	}, {
		url:     "https://circleci.com/gh/octo/widgets/latest",
		wantErr: true,
	}, {
		url:     "https://circleci.com/dashboard",
		wantErr: true,
	}}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := parseJobURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseJobURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseJobURL() = %+v, wanted = %+v", got, tt.want)
			}
		})
	}
}

// TestRetriggerLegacyJob verifies that a legacy job URL resolves its workflow
// and re-runs it from the failed jobs, once per workflow.
func TestRetriggerLegacyJob(t *testing.T) {
	var reruns atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /project/gh/octo/widgets/job/41", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Circle-Token"); got != "s3cr3t" {
			t.Errorf("Circle-Token = %q, wanted = s3cr3t", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"number":          41,
			"latest_workflow": map[string]any{"id": "wf-9", "name": "build-and-test"},
		})
	})
	mux.HandleFunc("POST /workflow/wf-9/rerun", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if !body["from_failed"] {
			t.Errorf("from_failed = false, wanted = true")
		}
		reruns.Add(1)
		writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": "wf-10"})
	})
	srv := newServer(t, mux)
	api := NewClient("s3cr3t", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithClientRetryConfig(fastRetry))
	p := New(newGitHub(t, srv), api)

	for _, job := range []string{"41", "41"} {
		c := checks.Check{Name: "ci/circleci: test", State: checks.StateFailure, URL: "https://circleci.com/gh/octo/widgets/" + job}
		got, err := p.RetriggerCheck(context.Background(), testPR, c)
		require.NoError(t, err)
		if got != checks.RetriggerOK {
			t.Errorf("RetriggerCheck() = %s, wanted = %s", got, checks.RetriggerOK)
		}
	}
	if got := reruns.Load(); got != 1 {
		t.Errorf("reruns = %d, wanted = 1", got)
	}
}

// TestRetriggerRateLimited verifies that rate limited API calls are retried.
func TestRetriggerRateLimited(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/wf-1/rerun", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"message": "slow down"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{})
	})
	srv := newServer(t, mux)
	api := NewClient("tok", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithClientRetryConfig(fastRetry))

	c := checks.Check{Name: "ci/circleci: lint", URL: "https://app.circleci.com/pipelines/github/octo/widgets/9/workflows/wf-1/jobs/40"}
	got, err := New(newGitHub(t, srv), api).RetriggerCheck(context.Background(), testPR, c)
	require.NoError(t, err)
	if got != checks.RetriggerOK {
		t.Errorf("RetriggerCheck() = %s, wanted = %s", got, checks.RetriggerOK)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, wanted = 2", got)
	}
}

// TestRetriggerUnsupported verifies the cases where no re-run is possible.
func TestRetriggerUnsupported(t *testing.T) {
	srv := newServer(t, http.NewServeMux())
	gh := newGitHub(t, srv)
	api := NewClient("tok", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	tests := []struct {
		name string
		p    *Provider
		url  string
	}{
		{name: "no token", p: New(gh, nil), url: "https://circleci.com/gh/octo/widgets/41"},
		{name: "unknown url", p: New(gh, api), url: "https://circleci.com/dashboard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.RetriggerCheck(context.Background(), testPR, checks.Check{Name: "x", URL: tt.url})
			require.NoError(t, err)
			if got != checks.RetriggerUnsupported {
				t.Errorf("RetriggerCheck() = %s, wanted = %s", got, checks.RetriggerUnsupported)
			}
		})
	}
}

// TestRetriggerRefused verifies that permanent client errors report the
// check as not re-runnable while server errors are returned for a retry.
func TestRetriggerRefused(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /project/gh/octo/widgets/job/41", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Job not found"})
	})
	mux.HandleFunc("POST /workflow/wf-1/rerun", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid token provided."})
	})
	mux.HandleFunc("POST /workflow/wf-2/rerun", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Workflow is still running"})
	})
	mux.HandleFunc("POST /workflow/wf-3/rerun", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{"message": "upstream"})
	})
	srv := newServer(t, mux)
	api := NewClient("tok", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithClientRetryConfig(fastRetry))
	p := New(newGitHub(t, srv), api)

	tests := []struct {
		name    string
		url     string
		want    checks.RetriggerOutcome
		wantErr bool
	}{
		{name: "job not found", url: "https://circleci.com/gh/octo/widgets/41", want: checks.RetriggerUnsupported},
		{name: "bad token", url: "https://app.circleci.com/pipelines/github/octo/widgets/9/workflows/wf-1", want: checks.RetriggerUnsupported},
		{name: "not re-runnable", url: "https://app.circleci.com/pipelines/github/octo/widgets/9/workflows/wf-2", want: checks.RetriggerUnsupported},
		{name: "server error", url: "https://app.circleci.com/pipelines/github/octo/widgets/9/workflows/wf-3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.RetriggerCheck(context.Background(), testPR, checks.Check{Name: "ci/circleci: test", URL: tt.url})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if got != tt.want {
				t.Errorf("RetriggerCheck() = %s, wanted = %s", got, tt.want)
			}
		})
	}
}

// TestForRunForgetsReruns verifies that re-run bookkeeping does not carry
// over from one run to the next.
func TestForRunForgetsReruns(t *testing.T) {
	var reruns atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/wf-1/rerun", func(w http.ResponseWriter, _ *http.Request) {
		reruns.Add(1)
		writeJSON(w, http.StatusAccepted, map[string]any{})
	})
	srv := newServer(t, mux)
	api := NewClient("tok", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithClientRetryConfig(fastRetry))
	shared := New(newGitHub(t, srv), api)
	c := checks.Check{Name: "ci/circleci: lint", URL: "https://app.circleci.com/pipelines/github/octo/widgets/9/workflows/wf-1/jobs/40"}

	first := shared.ForRun()
	for range 2 {
		_, err := first.RetriggerCheck(context.Background(), testPR, c)
		require.NoError(t, err)
	}
	_, err := shared.ForRun().RetriggerCheck(context.Background(), testPR, c)
	require.NoError(t, err)

	if got := reruns.Load(); got != 2 {
		t.Errorf("reruns = %d, wanted = 2", got)
	}
}

// TestClientError verifies that API errors carry the status and message.
func TestClientError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /project/gh/octo/widgets/job/1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Job not found"})
	})
	srv := newServer(t, mux)

	_, err := NewClient("tok", WithBaseURL(srv.URL), WithHTTPClient(srv.Client())).JobInfo(context.Background(), "gh/octo/widgets", 1)
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	if ae.StatusCode != http.StatusNotFound || ae.Message != "Job not found" {
		t.Errorf("APIError = %+v, wanted 404 Job not found", ae)
	}
}
