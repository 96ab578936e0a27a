// Package enforce implements the contract-matching stage of the
// governance kernel: every proposed action is folded through a contract's
// rules in declared order and classified as allowed, blocked, or
// degraded.
//
// Accumulation semantics per action:
//
//	DENY              -> BLOCK, terminal; nothing later can un-block
//	REQUIRE_EVIDENCE  -> UNKNOWN unless every required item is provided;
//	                     a satisfied rule has no effect (it cannot clear
//	                     an UNKNOWN set by an earlier unmet rule)
//	DEGRADE           -> DEGRADE unless already BLOCK
//	ALLOW             -> ALLOW unless already BLOCK (cancels DEGRADE/UNKNOWN)
package enforce

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gavelhq/gavel/internal/contract"
	"github.com/gavelhq/gavel/internal/decision"
	"github.com/gavelhq/gavel/internal/schema"
	"github.com/gavelhq/gavel/internal/trace"
)

// Context carries the caller-supplied facts rules may demand, most
// importantly the evidence items REQUIRE_EVIDENCE rules check for.
type Context struct {
	EvidenceProvided []string `json:"evidence_provided,omitempty"`
}

// AllowedAction is an action every matching rule permitted.
type AllowedAction struct {
	Action       decision.Action `json:"action"`
	MatchedRules []string        `json:"matched_rules"`
}

// BlockedAction is an action a DENY rule stopped.
type BlockedAction struct {
	Action    decision.Action `json:"action"`
	RuleID    string          `json:"rule_id"`
	Rationale string          `json:"rationale"`
}

// DegradedAction is an action that may proceed only in degraded form
// (decision DEGRADE) or that lacks required evidence (decision UNKNOWN).
type DegradedAction struct {
	Action    decision.Action   `json:"action"`
	RuleID    string            `json:"rule_id"`
	Decision  decision.Decision `json:"decision"`
	Rationale string            `json:"rationale"`
}

// Result is the enforce stage's immutable output for one contract and
// one fixed action list.
type Result struct {
	ContractID      string            `json:"contract_id"`
	DecisionSummary decision.Decision `json:"decision_summary"`
	Allowed         []AllowedAction   `json:"allowed"`
	Blocked         []BlockedAction   `json:"blocked"`
	Degraded        []DegradedAction  `json:"degraded"`
	TotalActions    int               `json:"total_actions"`
	RuleMatches     int               `json:"rule_matches"`
}

// Evaluate checks every action against the contract. The contract's shape
// is validated first; a malformed contract returns an error before any
// action is touched. Shape errors and governance decisions are separate
// channels.
func Evaluate(c *contract.Contract, actions []decision.Action, evCtx Context, w *trace.Writer, reg *schema.Registry) (Result, error) {
	if err := contract.Validate(c, reg); err != nil {
		return Result{}, fmt.Errorf("contract validation: %w", err)
	}

	if _, err := w.Append("contract.load", map[string]any{
		"contract_id": c.ID(),
		"version":     c.Version,
		"rule_count":  len(c.Rules),
	}); err != nil {
		return Result{}, err
	}

	result := Result{
		ContractID:   c.ID(),
		Allowed:      []AllowedAction{},
		Blocked:      []BlockedAction{},
		Degraded:     []DegradedAction{},
		TotalActions: len(actions),
	}

	for _, action := range actions {
		outcome := evaluateAction(c, action, evCtx)
		result.RuleMatches += len(outcome.matchedRules)

		switch outcome.decision {
		case decision.Block:
			result.Blocked = append(result.Blocked, BlockedAction{
				Action:    action,
				RuleID:    outcome.ruleID,
				Rationale: outcome.rationale,
			})
			if _, err := w.Append("enforce.block", map[string]any{
				"action":    action.Describe(),
				"rule_id":   outcome.ruleID,
				"rationale": outcome.rationale,
			}); err != nil {
				return Result{}, err
			}

		case decision.Degrade, decision.Unknown:
			result.Degraded = append(result.Degraded, DegradedAction{
				Action:    action,
				RuleID:    outcome.ruleID,
				Decision:  outcome.decision,
				Rationale: outcome.rationale,
			})

		default:
			result.Allowed = append(result.Allowed, AllowedAction{
				Action:       action,
				MatchedRules: outcome.matchedRules,
			})
			if _, err := w.Append("enforce.allow", map[string]any{
				"action":        action.Describe(),
				"matched_rules": outcome.matchedRules,
			}); err != nil {
				return Result{}, err
			}
		}
	}

	result.DecisionSummary = summarize(&result)

	if err := reg.ValidateArtifact(schema.ArtifactEnforceResult, result); err != nil {
		return result, fmt.Errorf("enforce result failed self-validation: %w", err)
	}

	slog.Info("contract enforced",
		"trace_id", w.ID(),
		"contract", c.ID(),
		"summary", result.DecisionSummary.String(),
		"blocked", len(result.Blocked),
		"degraded", len(result.Degraded),
		"allowed", len(result.Allowed))
	return result, nil
}

// actionOutcome is the accumulated state for one action.
type actionOutcome struct {
	decision     decision.Decision
	ruleID       string
	rationale    string
	matchedRules []string
}

// evaluateAction folds one action through the rules in declared order.
func evaluateAction(c *contract.Contract, action decision.Action, evCtx Context) actionOutcome {
	out := actionOutcome{decision: decision.Allow, matchedRules: []string{}}

	for i := range c.Rules {
		rule := &c.Rules[i]
		if !ruleMatches(rule, action) {
			continue
		}
		out.matchedRules = append(out.matchedRules, rule.ID)

		switch rule.Effect {
		case contract.EffectDeny:
			if out.decision != decision.Block {
				out.decision = decision.Block
				out.ruleID = rule.ID
				out.rationale = rule.Rationale
			}

		case contract.EffectRequireEvidence:
			if out.decision == decision.Block {
				continue
			}
			if !evidenceSatisfied(rule.EvidenceRequired, evCtx.EvidenceProvided) {
				out.decision = decision.Unknown
				out.ruleID = rule.ID
				out.rationale = rule.Rationale
			}
			// Satisfied: the rule is met and has no effect on the decision.

		case contract.EffectDegrade:
			if out.decision != decision.Block {
				out.decision = decision.Degrade
				out.ruleID = rule.ID
				out.rationale = rule.Rationale
			}

		case contract.EffectAllow:
			if out.decision != decision.Block {
				out.decision = decision.Allow
				out.ruleID = ""
				out.rationale = ""
			}
		}
	}
	return out
}

// ruleMatches reports whether a rule applies to an action. Every specified
// match field must hold; an absent match matches everything.
// action_type matches by exact value or prefix, tool by exact value,
// resource and path_prefix by exact value or prefix.
func ruleMatches(r *contract.Rule, a decision.Action) bool {
	if r.Match == nil {
		return true
	}
	m := r.Match

	if m.ActionType != "" && a.ActionType != m.ActionType && !strings.HasPrefix(a.ActionType, m.ActionType) {
		return false
	}
	if m.Tool != "" && a.Tool != m.Tool {
		return false
	}
	if m.Resource != "" && a.Resource != m.Resource && !strings.HasPrefix(a.Resource, m.Resource) {
		return false
	}
	if m.PathPrefix != "" {
		target := a.Path
		if target == "" {
			target = a.Resource
		}
		if target != m.PathPrefix && !strings.HasPrefix(target, m.PathPrefix) {
			return false
		}
	}
	return true
}

// evidenceSatisfied reports whether every required item is present.
func evidenceSatisfied(required, provided []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(provided))
	for _, p := range provided {
		have[p] = true
	}
	for _, need := range required {
		if !have[need] {
			return false
		}
	}
	return true
}

// summarize derives the aggregate decision: BLOCK if any action is
// blocked; else UNKNOWN if any degraded action lacked required evidence;
// else DEGRADE if any action is degraded; else ALLOW.
func summarize(r *Result) decision.Decision {
	if len(r.Blocked) > 0 {
		return decision.Block
	}
	for _, d := range r.Degraded {
		if d.Decision == decision.Unknown {
			return decision.Unknown
		}
	}
	if len(r.Degraded) > 0 {
		return decision.Degrade
	}
	return decision.Allow
}
