/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package policy

import (
	"strings"
)

// Validate checks the global policy, every override and the override
// patterns. It performs no I/O.
func (c *Config) Validate() error {
	if err := c.Settings.validate(""); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Repositories))
	for _, o := range c.Repositories {
		if err := validatePattern(o.Pattern); err != nil {
			return err
		}
		if _, dup := seen[o.Pattern]; dup {
			return configErrorf(o.Pattern, "duplicate repository pattern")
		}
		seen[o.Pattern] = struct{}{}
		if err := o.Settings.validate(o.Pattern); err != nil {
			return err
		}
	}
	return nil
}

// validatePattern accepts "owner/repo" and "owner/*" only.
func validatePattern(pattern string) error {
	parts := strings.Split(pattern, "/")
	if len(parts) != 2 {
		return configErrorf(pattern, "pattern must be owner/repo or owner/*")
	}
	owner, repo := parts[0], parts[1]
	switch {
	case owner == "" || repo == "":
		return configErrorf(pattern, "empty owner or repository")
	case strings.Contains(owner, "*"):
		return configErrorf(pattern, "owner cannot be a wildcard")
	case repo != "*" && strings.Contains(repo, "*"):
		return configErrorf(pattern, "only a whole trailing * segment is supported")
	}
	return nil
}

func (s Settings) validate(pattern string) error {
	if s.RequiredApprovals != nil && *s.RequiredApprovals < 0 {
		return configErrorf(pattern, "required_approvals cannot be negative (got %d)", *s.RequiredApprovals)
	}
	if s.MergeMethods != nil && len(s.MergeMethods) == 0 {
		return configErrorf(pattern, "merge method order is empty")
	}
	seen := make(map[string]struct{}, len(s.MergeMethods))
	for _, m := range s.MergeMethods {
		if !m.Valid() {
			return configErrorf(pattern, "unknown merge method %q", m)
		}
		if _, dup := seen[string(m)]; dup {
			return configErrorf(pattern, "duplicate merge method %q", m)
		}
		seen[string(m)] = struct{}{}
	}
	if s.DefaultMethod != nil && !s.DefaultMethod.Valid() {
		return configErrorf(pattern, "unknown default method %q", *s.DefaultMethod)
	}
	if s.DefaultMaxFailures != nil && *s.DefaultMaxFailures < 0 {
		return configErrorf(pattern, "default_max_failures cannot be negative")
	}
	for name, check := range s.Checks {
		if name == "" {
			return configErrorf(pattern, "check name cannot be empty")
		}
		if check.MaxFailures != nil && *check.MaxFailures < 0 {
			return configErrorf(pattern, "max_failures for check %q cannot be negative", name)
		}
	}
	for _, name := range s.RequiredChecks {
		if name == "" {
			return configErrorf(pattern, "required check name cannot be empty")
		}
	}
	return nil
}
