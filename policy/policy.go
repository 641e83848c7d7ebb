/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"chainguard.dev/automerge/githost"
)

// ErrConfig matches every *ConfigError with errors.Is.
var ErrConfig = errors.New("configuration error")

// ConfigError reports an invalid or contradictory policy.
type ConfigError struct {
	// Pattern is the override the problem was found in, empty for the global policy.
	Pattern string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Pattern == "" {
		return "invalid policy: " + e.Reason
	}
	return fmt.Sprintf("invalid policy for %q: %s", e.Pattern, e.Reason)
}

// Is makes errors.Is(err, ErrConfig) hold.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

func configErrorf(pattern, format string, args ...any) *ConfigError {
	return &ConfigError{Pattern: pattern, Reason: fmt.Sprintf(format, args...)}
}

// CheckPolicy tunes how failures of one CI check are treated.
type CheckPolicy struct {
	// MaxFailures is how many failures are re-run before the check is
	// considered a hard failure.
	MaxFailures *int `yaml:"max_failures,omitempty"`
}

// Settings is a (possibly partial) policy. Nil fields are unset.
type Settings struct {
	RequiredApprovals  *int                   `yaml:"required_approvals,omitempty"`
	MergeMethods       []githost.MergeMethod  `yaml:"merge_methods,omitempty"`
	DefaultMethod      *githost.MergeMethod   `yaml:"default_method,omitempty"`
	DefaultMaxFailures *int                   `yaml:"default_max_failures,omitempty"`
	RequiredChecks     []string               `yaml:"required_checks,omitempty"`
	Checks             map[string]CheckPolicy `yaml:"checks,omitempty"`
}

// Override applies Settings to the repositories matching Pattern.
type Override struct {
	Pattern  string `yaml:"pattern"`
	Settings `yaml:",inline"`
}

// Config is the policy source: global settings plus ordered overrides.
type Config struct {
	Settings     `yaml:",inline"`
	Repositories []Override `yaml:"repositories,omitempty"`
}

// Default returns the built-in global policy.
func Default() *Config {
	one := 1
	return &Config{
		Settings: Settings{
			RequiredApprovals: &one,
			MergeMethods:      slices.Clone(githost.MergeMethods),
		},
	}
}

// Effective is the resolved, immutable policy for one pull request.
type Effective struct {
	// Pattern is the override that matched, empty when only the global policy applies.
	Pattern string

	RequiredApprovals int
	MergeMethods      []githost.MergeMethod
	RequiredChecks    []string

	maxFailures        map[string]int
	defaultMaxFailures *int
}

// MaxFailures returns the failure allowance for a check; ok is false when
// the check may fail any number of times.
func (e *Effective) MaxFailures(check string) (max int, ok bool) {
	if n, found := e.maxFailures[check]; found {
		return n, true
	}
	if e.defaultMaxFailures != nil {
		return *e.defaultMaxFailures, true
	}
	return 0, false
}

// Resolve validates cfg and computes the effective policy for target.
func Resolve(cfg *Config, target githost.Target) (*Effective, error) {
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	settings := cfg.Settings
	var pattern string
	if o := cfg.match(target); o != nil {
		pattern = o.Pattern
		settings = overlay(settings, o.Settings)
	}
	return build(pattern, settings)
}

// match returns the override for target: an exact match wins over a
// wildcard, otherwise the first wildcard in configured order.
func (c *Config) match(target githost.Target) *Override {
	var wildcard *Override
	for i := range c.Repositories {
		o := &c.Repositories[i]
		owner, repo, _ := strings.Cut(o.Pattern, "/")
		if owner != target.Owner {
			continue
		}
		switch repo {
		case target.Repo:
			return o
		case "*":
			if wildcard == nil {
				wildcard = o
			}
		}
	}
	return wildcard
}

// overlay replaces every field of base that o sets.
func overlay(base, o Settings) Settings {
	if o.RequiredApprovals != nil {
		base.RequiredApprovals = o.RequiredApprovals
	}
	if o.MergeMethods != nil {
		base.MergeMethods = o.MergeMethods
	}
	if o.DefaultMethod != nil {
		base.DefaultMethod = o.DefaultMethod
	}
	if o.DefaultMaxFailures != nil {
		base.DefaultMaxFailures = o.DefaultMaxFailures
	}
	if o.RequiredChecks != nil {
		base.RequiredChecks = o.RequiredChecks
	}
	if o.Checks != nil {
		base.Checks = o.Checks
	}
	return base
}

func build(pattern string, s Settings) (*Effective, error) {
	e := &Effective{
		Pattern:            pattern,
		RequiredChecks:     slices.Clone(s.RequiredChecks),
		defaultMaxFailures: s.DefaultMaxFailures,
		maxFailures:        make(map[string]int, len(s.Checks)),
	}
	if s.RequiredApprovals != nil {
		e.RequiredApprovals = *s.RequiredApprovals
	}

	methods := s.MergeMethods
	if methods == nil {
		methods = githost.MergeMethods
	}
	if len(methods) == 0 {
		return nil, configErrorf(pattern, "merge method order is empty")
	}
	e.MergeMethods = slices.Clone(methods)
	if s.DefaultMethod != nil {
		i := slices.Index(e.MergeMethods, *s.DefaultMethod)
		if i < 0 {
			return nil, configErrorf(pattern, "default method %q is not in the merge method order %v", *s.DefaultMethod, e.MergeMethods)
		}
		e.MergeMethods = append([]githost.MergeMethod{*s.DefaultMethod}, slices.Delete(e.MergeMethods, i, i+1)...)
	}

	for name, check := range s.Checks {
		if check.MaxFailures != nil {
			e.maxFailures[name] = *check.MaxFailures
		}
	}
	return e, nil
}
