// utils/compose.go - docker compose helpers
package utils

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// Compose accepts only its label form as a project name; the display name is
// normalized before it goes on a command line.
var projRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeProject normalizes a project name to Compose's label form.
func SanitizeProject(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = projRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_-")
	if s == "" {
		s = "default"
	}
	return s
}

// PSEntry is one service row from `docker compose ps --format json`.
type PSEntry struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

// ParseComposePS parses compose v2 ps output: one JSON object per line.
// Older releases emit a single JSON array instead; both shapes are handled.
func ParseComposePS(out string) ([]PSEntry, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var entries []PSEntry
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	var entries []PSEntry
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e PSEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if entries == nil {
		return nil, errors.New("no services in compose ps output")
	}
	return entries, nil
}

// Running reports whether the entry counts as converged: running, and healthy
// when the service declares a healthcheck.
func (e PSEntry) Running() bool {
	if !strings.EqualFold(e.State, "running") {
		return false
	}
	return e.Health == "" || strings.EqualFold(e.Health, "healthy")
}
