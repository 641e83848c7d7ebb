/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package circleci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chainguard.dev/automerge/retry"
)

// DefaultBaseURL is the CircleCI v2 API endpoint.
const DefaultBaseURL = "https://circleci.com/api/v2"

// Client is a minimal CircleCI v2 API client covering the calls needed to
// re-run failed workflows.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   retry.RetryConfig
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another API endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClientRetryConfig overrides the rate limit retry policy.
func WithClientRetryConfig(cfg retry.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a Client authenticating with a personal API token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		http:    http.DefaultClient,
		retry:   retry.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the CircleCI API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("circleci: %d %s", e.StatusCode, e.Message)
}

func isRetryable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && retry.IsRetryableStatus(ae.StatusCode)
}

// permanent reports whether err is a client error that repeating the request
// will not fix, such as a bad token or a workflow that cannot be re-run.
func permanent(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) &&
		ae.StatusCode >= http.StatusBadRequest && ae.StatusCode < http.StatusInternalServerError &&
		ae.StatusCode != http.StatusTooManyRequests
}

// Job is the subset of a CircleCI job we use.
type Job struct {
	Number         int    `json:"number"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	LatestWorkflow struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"latest_workflow"`
}

// JobInfo fetches a job of a project, e.g. slug "gh/owner/repo".
func (c *Client) JobInfo(ctx context.Context, projectSlug string, number int) (*Job, error) {
	var job Job
	path := fmt.Sprintf("/project/%s/job/%d", projectSlug, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RerunWorkflow re-runs the failed jobs of a workflow.
func (c *Client) RerunWorkflow(ctx context.Context, workflowID string) error {
	body := struct {
		FromFailed bool `json:"from_failed"`
	}{FromFailed: true}
	return c.do(ctx, http.MethodPost, "/workflow/"+workflowID+"/rerun", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	_, err := retry.RetryWithBackoff(ctx, c.retry, "circleci "+method+" "+path, isRetryable, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Circle-Token", c.token)
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			var parsed struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(msg, &parsed) == nil && parsed.Message != "" {
				return struct{}{}, &APIError{StatusCode: resp.StatusCode, Message: parsed.Message}
			}
			return struct{}{}, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		}
		if out == nil {
			return struct{}{}, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("decoding %s response: %w", path, err)
		}
		return struct{}{}, nil
	})
	return err
}
