// Package verdict synthesizes the human-readable decision from the gate
// and enforce outcomes. The merge prefers the stricter result: a
// contract-level BLOCK always wins over a milder gate decision. This is
// the only place the two evaluators' outputs meet.
package verdict

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gavelhq/gavel/internal/decision"
	"github.com/gavelhq/gavel/internal/enforce"
	"github.com/gavelhq/gavel/internal/gate"
	"github.com/gavelhq/gavel/internal/schema"
	"github.com/gavelhq/gavel/internal/trace"
)

// Version is the frozen verdict artifact version.
const Version = "1.0.0"

// defaultWhy is the single why line used when no findings exist.
const defaultWhy = "All checks passed without issues"

// Verdict is the synthesized decision artifact. Derived, never
// independently authored; always traceable to exactly one trace_id.
type Verdict struct {
	Version     string   `json:"version"`
	TraceID     string   `json:"trace_id"`
	CreatedAt   string   `json:"created_at"`
	Summary     string   `json:"summary"`
	Why         []string `json:"why"`
	WhatChanged []string `json:"what_changed"`
	WhatBlocked []string `json:"what_blocked"`
	NextSteps   []string `json:"next_steps"`
	Confidence  float64  `json:"confidence"`
}

// Options carries the optional generation inputs.
type Options struct {
	// ExecutedActions lists actions the caller actually executed. The
	// kernel itself never executes anything; this is caller-reported.
	ExecutedActions []string
}

// summaries are the fixed decision-keyed sentences, one canonical
// sentence per decision so re-generation reproduces the exact text.
var summaries = map[decision.Decision]string{
	decision.Allow:   "All proposed actions may proceed as requested.",
	decision.Block:   "The proposal is blocked and must not proceed.",
	decision.Degrade: "The proposal may proceed only in degraded form.",
	decision.Unknown: "The proposal cannot be assessed with the information provided.",
}

// defaultNextSteps are used when the gate supplied no recommendations.
var defaultNextSteps = map[decision.Decision]string{
	decision.Allow:   "Proceed with execution",
	decision.Block:   "Revise the proposal to remove the blocked actions",
	decision.Degrade: "Proceed with the degraded plan or attach mitigations",
	decision.Unknown: "Supply the missing information and re-evaluate",
}

// Generate builds the verdict from a gate report and an optional enforce
// result, appends a verdict.emit event, and persists verdict.json and
// verdict.md alongside the trace.
func Generate(gateReport gate.Report, enforceResult *enforce.Result, opts Options, w *trace.Writer, reg *schema.Registry) (Verdict, error) {
	final := merge(gateReport, enforceResult)

	v := Verdict{
		Version:     Version,
		TraceID:     w.ID(),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		Summary:     summaries[final],
		Why:         buildWhy(gateReport, enforceResult),
		WhatChanged: buildWhatChanged(opts.ExecutedActions),
		WhatBlocked: buildWhatBlocked(gateReport, enforceResult),
		NextSteps:   buildNextSteps(final, gateReport),
		Confidence:  confidence(gateReport, enforceResult),
	}

	if err := reg.ValidateArtifact(schema.ArtifactVerdict, v); err != nil {
		// Shape error in our own output: reported distinctly, never
		// converted into a governance decision.
		return v, fmt.Errorf("verdict failed self-validation: %w", err)
	}

	if _, err := w.Append("verdict.emit", map[string]any{
		"decision":   final.String(),
		"confidence": v.Confidence,
		"summary":    v.Summary,
	}); err != nil {
		return Verdict{}, err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Verdict{}, fmt.Errorf("marshaling verdict: %w", err)
	}
	if err := w.WriteFile("verdict.json", append(data, '\n')); err != nil {
		return Verdict{}, err
	}
	if err := w.WriteFile("verdict.md", []byte(renderMarkdown(&v, final))); err != nil {
		return Verdict{}, err
	}

	slog.Info("verdict emitted",
		"trace_id", w.ID(),
		"decision", final.String(),
		"confidence", v.Confidence)
	return v, nil
}

// merge computes the final decision: a contract-level BLOCK overrides the
// gate; otherwise the gate's decision stands.
func merge(gateReport gate.Report, enforceResult *enforce.Result) decision.Decision {
	if enforceResult != nil && enforceResult.DecisionSummary == decision.Block {
		return decision.Block
	}
	return gateReport.Decision
}

// buildWhy concatenates, in order: one line per risk, one per unknown,
// one per contract-blocked action. Falls back to the single default line.
func buildWhy(gateReport gate.Report, enforceResult *enforce.Result) []string {
	why := []string{}
	for _, r := range gateReport.Risks {
		why = append(why, fmt.Sprintf("[%s] %s", strings.ToUpper(r.Severity.String()), r.Rationale))
	}
	for _, u := range gateReport.Unknowns {
		why = append(why, fmt.Sprintf("[UNKNOWN] %s", u.Question))
	}
	if enforceResult != nil {
		for _, b := range enforceResult.Blocked {
			why = append(why, fmt.Sprintf("[CONTRACT] %s", b.Rationale))
		}
	}
	if len(why) == 0 {
		why = append(why, defaultWhy)
	}
	return why
}

func buildWhatChanged(executed []string) []string {
	if executed == nil {
		return []string{}
	}
	return executed
}

// buildWhatBlocked lists a generic line when the gate alone blocked the
// proposal, plus one line per contract-blocked action.
func buildWhatBlocked(gateReport gate.Report, enforceResult *enforce.Result) []string {
	blocked := []string{}
	if gateReport.Decision == decision.Block {
		blocked = append(blocked, "Risk assessment blocked all proposed actions")
	}
	if enforceResult != nil {
		for _, b := range enforceResult.Blocked {
			blocked = append(blocked, fmt.Sprintf("%s: blocked by rule %s (%s)", b.Action.Describe(), b.RuleID, b.Rationale))
		}
	}
	return blocked
}

func buildNextSteps(final decision.Decision, gateReport gate.Report) []string {
	if len(gateReport.RecommendedNextActions) > 0 {
		return gateReport.RecommendedNextActions
	}
	return []string{defaultNextSteps[final]}
}

// confidence starts at 1.0 and is reduced 0.2 per unknown, 0.3/0.2/0.1/
// 0.05 per critical/high/medium/low risk, and 0.1 per degraded action,
// clamped to [0, 1].
func confidence(gateReport gate.Report, enforceResult *enforce.Result) float64 {
	score := 1.0
	score -= 0.2 * float64(len(gateReport.Unknowns))
	for _, r := range gateReport.Risks {
		switch r.Severity {
		case decision.SeverityCritical:
			score -= 0.3
		case decision.SeverityHigh:
			score -= 0.2
		case decision.SeverityMedium:
			score -= 0.1
		case decision.SeverityLow:
			score -= 0.05
		}
	}
	if enforceResult != nil {
		score -= 0.1 * float64(len(enforceResult.Degraded))
	}
	// Round away float accumulation dust so the persisted artifact is
	// stable across runs, then clamp.
	score = math.Round(score*10000) / 10000
	return math.Min(1, math.Max(0, score))
}

// renderMarkdown produces the human-readable verdict.md.
func renderMarkdown(v *Verdict, final decision.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Verdict: %s\n\n", final.String())
	fmt.Fprintf(&b, "- **Trace:** `%s`\n", v.TraceID)
	fmt.Fprintf(&b, "- **Created:** %s\n", v.CreatedAt)
	fmt.Fprintf(&b, "- **Confidence:** %.2f\n\n", v.Confidence)
	fmt.Fprintf(&b, "%s\n", v.Summary)

	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n", title)
		for _, line := range lines {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	section("Why", v.Why)
	section("What changed", v.WhatChanged)
	section("What was blocked", v.WhatBlocked)
	section("Next steps", v.NextSteps)
	return b.String()
}
