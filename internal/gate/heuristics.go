package gate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/gavelhq/gavel/internal/decision"
)

// heuristic is one risk pattern in the fixed catalog. All non-empty
// conditions must match for the heuristic to fire (AND logic); within a
// list, any value matching suffices (OR logic).
type heuristic struct {
	name      string
	severity  decision.Severity
	category  string
	rationale string

	actionTypes  []string // action_type values (exact, case-insensitive)
	pathPatterns []string // glob patterns over resource/path
	commandRegex string   // regex over the command field
	argContains  []string // substrings over the raw action JSON (case-insensitive)
	taskContains []string // substrings over the task description (case-insensitive)

	compiled compiledHeuristic
}

// compiledHeuristic holds the pre-compiled matchers. Compiling once at
// catalog build keeps evaluation cost flat and surfaces bad patterns at
// startup instead of mid-evaluation.
type compiledHeuristic struct {
	pathGlobs    []glob.Glob
	commandRegex *regexp.Regexp
}

// catalog returns the fixed risk heuristic catalog in evaluation order.
// The catalog is an implementation detail, not a contract, but it must be
// deterministic: the same input always yields the same findings in the
// same order.
func catalog() []heuristic {
	return []heuristic{
		{
			name:         "system_path_access",
			severity:     decision.SeverityCritical,
			category:     "filesystem",
			rationale:    "Action touches protected system paths",
			pathPatterns: []string{"/etc/**", "/etc/*", "/boot/**", "/usr/bin/**", "/System/**"},
		},
		{
			name:         "credential_file_access",
			severity:     decision.SeverityCritical,
			category:     "credentials",
			rationale:    "Action touches credential or secret files",
			pathPatterns: []string{"**/.ssh/*", "**/.env", "**/.aws/credentials", "**/secrets/**"},
		},
		{
			name:         "destructive_command",
			severity:     decision.SeverityCritical,
			category:     "destructive",
			rationale:    "Command is destructive and not recoverable",
			commandRegex: `(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b|\bmkfs\b|\bdd\s+if=|\bDROP\s+(TABLE|DATABASE)\b`,
		},
		{
			name:        "destructive_action_type",
			severity:    decision.SeverityHigh,
			category:    "destructive",
			rationale:   "Destructive operation requested without a recovery path",
			actionTypes: []string{"delete", "drop", "destroy", "remove", "truncate"},
		},
		{
			name:         "network_exfiltration",
			severity:     decision.SeverityHigh,
			category:     "network",
			rationale:    "Action can move data to an external host",
			commandRegex: `(?i)\b(curl|wget|nc|scp|rsync)\b.+(http|@|:)`,
		},
		{
			name:        "credential_keyword",
			severity:    decision.SeverityHigh,
			category:    "credentials",
			rationale:   "Action arguments reference credentials or tokens",
			argContains: []string{"api_key", "private_key", "password", "secret_token"},
		},
		{
			name:         "production_target",
			severity:     decision.SeverityMedium,
			category:     "blast_radius",
			rationale:    "Task targets a production environment",
			taskContains: []string{"production", "prod environment", "live environment"},
		},
		{
			name:         "irreversible_intent",
			severity:     decision.SeverityMedium,
			category:     "blast_radius",
			rationale:    "Task describes an irreversible change",
			taskContains: []string{"permanently", "irreversible", "cannot be undone"},
		},
		{
			name:        "bulk_write",
			severity:    decision.SeverityLow,
			category:    "scope",
			rationale:   "Bulk modification widens the change surface",
			argContains: []string{"recursive", "--all", "bulk"},
		},
	}
}

// compileCatalog pre-compiles every heuristic's patterns.
func compileCatalog() ([]heuristic, error) {
	hs := catalog()
	for i := range hs {
		h := &hs[i]
		for _, p := range h.pathPatterns {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("heuristic %q: invalid path pattern %q: %w", h.name, p, err)
			}
			h.compiled.pathGlobs = append(h.compiled.pathGlobs, g)
		}
		if h.commandRegex != "" {
			re, err := regexp.Compile(h.commandRegex)
			if err != nil {
				return nil, fmt.Errorf("heuristic %q: invalid command regex: %w", h.name, err)
			}
			h.compiled.commandRegex = re
		}
	}
	return hs, nil
}

// matches reports whether a heuristic fires for the given task and action.
func (h *heuristic) matches(task string, a decision.Action) bool {
	if len(h.actionTypes) > 0 {
		matched := false
		for _, t := range h.actionTypes {
			if strings.EqualFold(t, a.ActionType) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(h.compiled.pathGlobs) > 0 {
		target := a.Resource
		if target == "" {
			target = a.Path
		}
		if target == "" {
			return false
		}
		matched := false
		for _, g := range h.compiled.pathGlobs {
			if g.Match(target) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if h.compiled.commandRegex != nil {
		if a.Command == "" || !h.compiled.commandRegex.MatchString(a.Command) {
			return false
		}
	}

	if len(h.argContains) > 0 {
		raw, _ := json.Marshal(a)
		rawLower := strings.ToLower(string(raw))
		matched := false
		for _, s := range h.argContains {
			if strings.Contains(rawLower, strings.ToLower(s)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(h.taskContains) > 0 {
		taskLower := strings.ToLower(task)
		matched := false
		for _, s := range h.taskContains {
			if strings.Contains(taskLower, strings.ToLower(s)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// unknownsFor returns the unanswered questions for one action. An action
// the gate cannot characterize must surface as UNKNOWN, never as ALLOW.
func unknownsFor(i int, a decision.Action) []UnknownRecord {
	var unknowns []UnknownRecord
	if strings.TrimSpace(a.ActionType) == "" {
		unknowns = append(unknowns, UnknownRecord{
			Question: fmt.Sprintf("proposed action %d has no action_type; what operation is intended?", i+1),
		})
		return unknowns
	}
	switch strings.ToLower(a.ActionType) {
	case "delete", "write", "edit", "read", "execute", "drop", "remove", "truncate":
		if a.Resource == "" && a.Path == "" && a.Command == "" {
			unknowns = append(unknowns, UnknownRecord{
				Question: fmt.Sprintf("what does the %q action target? no resource, path, or command was given", a.ActionType),
			})
		}
	}
	return unknowns
}
