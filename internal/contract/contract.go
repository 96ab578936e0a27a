// Package contract defines the declarative policy contract consumed by
// the enforce stage: a named, versioned rule set authored outside the
// kernel and never mutated by it.
//
// Contracts are loaded from YAML or JSON files. Shape is validated
// against the frozen contract schema before any rule is evaluated. A
// malformed contract is a validation error, never a governance decision.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/gavelhq/gavel/internal/schema"
)

// Effect is a rule's declared effect on matching actions.
type Effect string

const (
	EffectAllow           Effect = "ALLOW"
	EffectDeny            Effect = "DENY"
	EffectDegrade         Effect = "DEGRADE"
	EffectRequireEvidence Effect = "REQUIRE_EVIDENCE"
)

// Contract is a versioned, externally-authored rule set.
type Contract struct {
	Version string `json:"version" yaml:"version"`
	Scope   Scope  `json:"scope" yaml:"scope"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

// Scope names the contract.
type Scope struct {
	Name string `json:"name" yaml:"name"`
}

// Rule is one declarative rule. Rules are evaluated in declared order.
type Rule struct {
	ID               string   `json:"id" yaml:"id"`
	Effect           Effect   `json:"effect" yaml:"effect"`
	Match            *Match   `json:"match,omitempty" yaml:"match,omitempty"`
	Rationale        string   `json:"rationale" yaml:"rationale"`
	EvidenceRequired []string `json:"evidence_required,omitempty" yaml:"evidence_required,omitempty"`
}

// Match restricts a rule to certain actions. Every specified field must
// match; an absent Match matches every action (wildcard rule).
type Match struct {
	ActionType string `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	Tool       string `json:"tool,omitempty" yaml:"tool,omitempty"`
	Resource   string `json:"resource,omitempty" yaml:"resource,omitempty"`
	PathPrefix string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty"`
}

// ID returns the contract's identity, "scope@version".
func (c *Contract) ID() string {
	return c.Scope.Name + "@" + c.Version
}

// Load reads a contract from a YAML or JSON file. The contract is parsed
// but NOT validated; callers must run Validate before evaluation.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading contract %s: %w", path, err)
	}

	var c Contract
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing contract %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing contract %s: %w", path, err)
		}
	}
	return &c, nil
}

// Validate checks contract shape against the frozen schema and the
// version against the 1.x contract line. Rule ids must be unique: blocked
// and degraded result entries reference rules by id.
func Validate(c *Contract, reg *schema.Registry) error {
	if err := reg.ValidateArtifact(schema.ArtifactContract, c); err != nil {
		return err
	}

	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("contract %s: version %q is not semver: %w", c.Scope.Name, c.Version, err)
	}
	if v.Major() != 1 {
		return fmt.Errorf("contract %s: unsupported version %q (want 1.x)", c.Scope.Name, c.Version)
	}

	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if seen[r.ID] {
			return fmt.Errorf("contract %s: duplicate rule id %q", c.Scope.Name, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}
