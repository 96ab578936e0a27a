// Package gate implements the risk-assessment stage of the governance
// kernel. Given a task description and a list of proposed actions, it
// evaluates each action against a fixed heuristic catalog and combines
// the findings into a single decision under the precedence order
// BLOCK > UNKNOWN > DEGRADE > ALLOW.
//
// The gate is independent of any contract: it never executes actions and
// writes its full evaluation history to the trace log as it goes.
package gate

import (
	"fmt"
	"log/slog"

	"github.com/gavelhq/gavel/internal/decision"
	"github.com/gavelhq/gavel/internal/schema"
	"github.com/gavelhq/gavel/internal/trace"
)

// Input is one gate invocation: the task, free-form context, and the
// actions whose execution is being proposed.
type Input struct {
	Task            string            `json:"task"`
	Context         map[string]any    `json:"context,omitempty"`
	ProposedActions []decision.Action `json:"proposed_actions"`
}

// RiskRecord is one identified risk.
type RiskRecord struct {
	Severity  decision.Severity `json:"severity"`
	Category  string            `json:"category"`
	Rationale string            `json:"rationale"`
}

// UnknownRecord is one question the gate could not answer from the input.
type UnknownRecord struct {
	Question string `json:"question"`
}

// Report is the gate's immutable result. Created once per invocation.
type Report struct {
	Decision               decision.Decision `json:"decision"`
	Risks                  []RiskRecord      `json:"risks"`
	Unknowns               []UnknownRecord   `json:"unknowns"`
	RecommendedNextActions []string          `json:"recommended_next_actions"`
	TraceID                string            `json:"trace_id"`
}

// Gate evaluates proposed actions against the compiled heuristic catalog.
// Safe for concurrent use: the catalog is immutable after New.
type Gate struct {
	heuristics []heuristic
	registry   *schema.Registry
}

// New compiles the heuristic catalog. Pattern errors surface here, at
// startup, not mid-evaluation.
func New(registry *schema.Registry) (*Gate, error) {
	hs, err := compileCatalog()
	if err != nil {
		return nil, err
	}
	return &Gate{heuristics: hs, registry: registry}, nil
}

// Evaluate runs the gate over the input, appending gate.start, gate.risk,
// and gate.end events to the trace as it goes.
//
// Any unexpected panic during evaluation is caught, recorded as a trace
// error event, and converted to a best-effort UNKNOWN report so a broken
// heuristic fails closed rather than open. Storage errors are returned
// as errors: they are a different channel from governance decisions.
func (g *Gate) Evaluate(input Input, w *trace.Writer) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gate evaluation panicked", "trace_id", w.ID(), "panic", r)
			if _, appendErr := w.Append("error", map[string]any{
				"stage":   "gate",
				"message": fmt.Sprint(r),
			}); appendErr != nil {
				slog.Error("recording gate error event failed", "error", appendErr)
			}
			report = unknownReport(w.ID(), fmt.Sprintf("gate evaluation failed: %v", r))
			err = nil
		}
	}()

	actionLabels := make([]string, 0, len(input.ProposedActions))
	for _, a := range input.ProposedActions {
		actionLabels = append(actionLabels, a.Describe())
	}
	if _, err := w.Append("gate.start", map[string]any{
		"task":         input.Task,
		"action_count": len(input.ProposedActions),
		"actions":      actionLabels,
	}); err != nil {
		return Report{}, err
	}

	risks, unknowns := g.assess(input)

	for _, r := range risks {
		if _, err := w.Append("gate.risk", map[string]any{
			"kind":      "risk",
			"severity":  r.Severity.String(),
			"category":  r.Category,
			"rationale": r.Rationale,
		}); err != nil {
			return Report{}, err
		}
	}
	for _, u := range unknowns {
		if _, err := w.Append("gate.risk", map[string]any{
			"kind":     "unknown",
			"question": u.Question,
		}); err != nil {
			return Report{}, err
		}
	}

	final := combine(risks, unknowns)

	if _, err := w.Append("gate.end", map[string]any{
		"decision":      final.String(),
		"risk_count":    len(risks),
		"unknown_count": len(unknowns),
	}); err != nil {
		return Report{}, err
	}

	report = Report{
		Decision:               final,
		Risks:                  risks,
		Unknowns:               unknowns,
		RecommendedNextActions: recommendations(final),
		TraceID:                w.ID(),
	}

	if err := g.registry.ValidateArtifact(schema.ArtifactGateReport, report); err != nil {
		// Shape error in our own output, reported distinctly from any
		// governance decision.
		return report, fmt.Errorf("gate report failed self-validation: %w", err)
	}

	slog.Info("gate evaluated",
		"trace_id", w.ID(),
		"decision", final.String(),
		"risks", len(risks),
		"unknowns", len(unknowns))
	return report, nil
}

// assess walks every action through the heuristic catalog in declared
// order. Pure with respect to the input: identical input yields identical
// findings in identical order.
func (g *Gate) assess(input Input) ([]RiskRecord, []UnknownRecord) {
	risks := []RiskRecord{}
	unknowns := []UnknownRecord{}

	for i, a := range input.ProposedActions {
		unknowns = append(unknowns, unknownsFor(i, a)...)
		for hi := range g.heuristics {
			h := &g.heuristics[hi]
			if h.matches(input.Task, a) {
				risks = append(risks, RiskRecord{
					Severity:  h.severity,
					Category:  h.category,
					Rationale: fmt.Sprintf("%s: %s", h.rationale, a.Describe()),
				})
			}
		}
	}
	return risks, unknowns
}

// combine folds findings into the final decision. Precedence, highest
// first: BLOCK (any critical risk), UNKNOWN (any open question),
// DEGRADE (any remaining risk), ALLOW.
func combine(risks []RiskRecord, unknowns []UnknownRecord) decision.Decision {
	for _, r := range risks {
		if r.Severity == decision.SeverityCritical {
			return decision.Block
		}
	}
	if len(unknowns) > 0 {
		return decision.Unknown
	}
	if len(risks) > 0 {
		return decision.Degrade
	}
	return decision.Allow
}

// recommendations returns the decision-keyed next actions. ALLOW carries
// none; the verdict stage supplies its own default line.
func recommendations(d decision.Decision) []string {
	switch d {
	case decision.Block:
		return []string{"Remove or replace the critical-risk actions and submit a new proposal"}
	case decision.Unknown:
		return []string{"Answer the open questions listed under unknowns and re-run the gate"}
	case decision.Degrade:
		return []string{"Review the flagged risks and attach mitigations or evidence"}
	default:
		return []string{}
	}
}

// unknownReport is the fail-closed result used when evaluation itself
// failed: the caller still receives a structured report.
func unknownReport(traceID, question string) Report {
	return Report{
		Decision:               decision.Unknown,
		Risks:                  []RiskRecord{},
		Unknowns:               []UnknownRecord{{Question: question}},
		RecommendedNextActions: recommendations(decision.Unknown),
		TraceID:                traceID,
	}
}
