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

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// Credentials selects how the GitHub clients authenticate. A personal or
// workflow token takes precedence over GitHub App installation credentials.
type Credentials struct {
	Token string

	AppID          int64
	InstallationID int64
	PrivateKey     []byte

	// APIURL is the REST endpoint of a GitHub Enterprise Server, e.g.
	// https://github.example.com/api/v3/. Empty means github.com.
	APIURL string
}

// NewHTTPClient returns an authenticated HTTP client layered over base.
func NewHTTPClient(ctx context.Context, creds Credentials, base http.RoundTripper) (*http.Client, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	switch {
	case creds.Token != "":
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token})), nil

	case creds.AppID != 0 && creds.InstallationID != 0 && len(creds.PrivateKey) > 0:
		tr, err := ghinstallation.New(base, creds.AppID, creds.InstallationID, creds.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("creating installation transport: %w", err)
		}
		if creds.APIURL != "" {
			tr.BaseURL = strings.TrimSuffix(creds.APIURL, "/")
		}
		return &http.Client{Transport: tr}, nil
	}
	return nil, errors.New("no GitHub credentials: set a token or GitHub App installation credentials")
}

// NewFromCredentials builds a Client with authenticated REST and GraphQL clients.
func NewFromCredentials(ctx context.Context, creds Credentials, base http.RoundTripper, opts ...Option) (*Client, error) {
	hc, err := NewHTTPClient(ctx, creds, base)
	if err != nil {
		return nil, err
	}
	gh := github.NewClient(hc)
	if creds.APIURL == "" {
		return New(gh, opts...), nil
	}

	gh, err = gh.WithEnterpriseURLs(creds.APIURL, creds.APIURL)
	if err != nil {
		return nil, fmt.Errorf("configuring enterprise URLs: %w", err)
	}
	gql := githubv4.NewEnterpriseClient(GraphQLURL(creds.APIURL), hc)
	return New(gh, append([]Option{WithGraphQLClient(gql)}, opts...)...), nil
}

// GraphQLURL derives the GraphQL endpoint from a REST API URL:
// https://host/api/v3/ becomes https://host/api/graphql.
func GraphQLURL(apiURL string) string {
	u := strings.TrimSuffix(apiURL, "/")
	if strings.HasSuffix(u, "/api/v3") {
		return strings.TrimSuffix(u, "/v3") + "/graphql"
	}
	return u + "/graphql"
}
