// Package decision defines the closed decision and severity vocabularies
// shared by the gate, enforce, verdict, and replay stages, plus the Action
// type that all evaluators consume.
//
// Decisions form a total severity order:
//
//	BLOCK > UNKNOWN > DEGRADE > ALLOW
//
// Combining partial outcomes always keeps the stricter one (Worse). The
// ordering is the single source of truth for both the gate's precedence
// fold and the verdict merge; string comparison is never used.
package decision

import "fmt"

// Decision is the outcome of a governance evaluation stage.
// The zero value is Allow.
type Decision int

const (
	Allow Decision = iota
	Degrade
	Unknown
	Block
)

var decisionNames = [...]string{"ALLOW", "DEGRADE", "UNKNOWN", "BLOCK"}

// String returns the frozen wire form ("ALLOW", "DEGRADE", "UNKNOWN", "BLOCK").
func (d Decision) String() string {
	if d < Allow || d > Block {
		return fmt.Sprintf("Decision(%d)", int(d))
	}
	return decisionNames[d]
}

// MarshalJSON encodes the decision as its wire string.
func (d Decision) MarshalJSON() ([]byte, error) {
	if d < Allow || d > Block {
		return nil, fmt.Errorf("invalid decision %d", int(d))
	}
	return []byte(`"` + decisionNames[d] + `"`), nil
}

// UnmarshalJSON decodes a wire decision string, rejecting anything outside
// the closed set.
func (d *Decision) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("decision must be a JSON string, got %s", data)
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse converts a wire decision string to a Decision.
func Parse(s string) (Decision, error) {
	for i, name := range decisionNames {
		if name == s {
			return Decision(i), nil
		}
	}
	return Allow, fmt.Errorf("unknown decision %q", s)
}

// Worse returns the stricter of d and other under the
// BLOCK > UNKNOWN > DEGRADE > ALLOW order.
func (d Decision) Worse(other Decision) Decision {
	if other > d {
		return other
	}
	return d
}

// Severity classifies a gate risk finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

// String returns the wire form ("low", "medium", "high", "critical").
func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalJSON encodes the severity as its wire string.
func (s Severity) MarshalJSON() ([]byte, error) {
	if s < SeverityLow || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(`"` + severityNames[s] + `"`), nil
}

// UnmarshalJSON decodes a wire severity string.
func (s *Severity) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("severity must be a JSON string, got %s", data)
	}
	parsed, err := ParseSeverity(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a wire severity string to a Severity.
func ParseSeverity(str string) (Severity, error) {
	for i, name := range severityNames {
		if name == str {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", str)
}

// Action is one proposed action under evaluation. The kernel never executes
// actions; it only decides whether they may proceed.
type Action struct {
	ActionType string         `json:"action_type"`
	Tool       string         `json:"tool,omitempty"`
	Resource   string         `json:"resource,omitempty"`
	Path       string         `json:"path,omitempty"`
	Command    string         `json:"command,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}

// Describe returns a short human-readable label for the action, used in
// verdict lines and trace payloads.
func (a Action) Describe() string {
	target := a.Resource
	if target == "" {
		target = a.Path
	}
	if target == "" && a.Command != "" {
		target = a.Command
	}
	switch {
	case a.Tool != "" && target != "":
		return fmt.Sprintf("%s via %s on %s", a.ActionType, a.Tool, target)
	case a.Tool != "":
		return fmt.Sprintf("%s via %s", a.ActionType, a.Tool)
	case target != "":
		return fmt.Sprintf("%s on %s", a.ActionType, target)
	default:
		return a.ActionType
	}
}
