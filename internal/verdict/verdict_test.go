package verdict

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gavelhq/gavel/internal/decision"
	"github.com/gavelhq/gavel/internal/enforce"
	"github.com/gavelhq/gavel/internal/gate"
	"github.com/gavelhq/gavel/internal/schema"
	"github.com/gavelhq/gavel/internal/trace"
)

func generate(t *testing.T, gr gate.Report, er *enforce.Result, opts Options) (Verdict, string, string) {
	t.Helper()
	reg, err := schema.New()
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	base := t.TempDir()
	w, err := trace.Create(base, "", nil)
	if err != nil {
		t.Fatalf("trace.Create: %v", err)
	}
	defer w.Close()

	v, err := Generate(gr, er, opts, w, reg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return v, base, w.ID()
}

func cleanReport(d decision.Decision) gate.Report {
	return gate.Report{
		Decision: d,
		Risks:    []gate.RiskRecord{},
		Unknowns: []gate.UnknownRecord{},
	}
}

func TestGenerate_CleanProposal(t *testing.T) {
	v, _, id := generate(t, cleanReport(decision.Allow), nil, Options{})

	if v.Summary != "All proposed actions may proceed as requested." {
		t.Errorf("summary = %q", v.Summary)
	}
	if len(v.Why) != 1 || v.Why[0] != "All checks passed without issues" {
		t.Errorf("why = %v", v.Why)
	}
	if v.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", v.Confidence)
	}
	if v.TraceID != id {
		t.Errorf("trace_id = %q, want %q", v.TraceID, id)
	}
	if v.Version != Version {
		t.Errorf("version = %q", v.Version)
	}
	if len(v.WhatBlocked) != 0 {
		t.Errorf("what_blocked = %v", v.WhatBlocked)
	}
	if len(v.NextSteps) != 1 || v.NextSteps[0] != "Proceed with execution" {
		t.Errorf("next_steps = %v", v.NextSteps)
	}
}

func TestGenerate_ContractBlockOverridesGate(t *testing.T) {
	er := &enforce.Result{
		DecisionSummary: decision.Block,
		Blocked: []enforce.BlockedAction{{
			Action:    decision.Action{ActionType: "delete", Resource: "/etc/passwd"},
			RuleID:    "r1",
			Rationale: "system files protected",
		}},
	}
	v, _, _ := generate(t, cleanReport(decision.Allow), er, Options{})

	if v.Summary != "The proposal is blocked and must not proceed." {
		t.Errorf("summary = %q, want the BLOCK summary", v.Summary)
	}
	if len(v.Why) != 1 || v.Why[0] != "[CONTRACT] system files protected" {
		t.Errorf("why = %v", v.Why)
	}
	want := "delete on /etc/passwd: blocked by rule r1 (system files protected)"
	if len(v.WhatBlocked) != 1 || v.WhatBlocked[0] != want {
		t.Errorf("what_blocked = %v, want [%q]", v.WhatBlocked, want)
	}
}

func TestGenerate_GateBlockWithoutContract(t *testing.T) {
	gr := gate.Report{
		Decision: decision.Block,
		Risks: []gate.RiskRecord{{
			Severity:  decision.SeverityCritical,
			Category:  "destructive_command",
			Rationale: "command destroys data irrecoverably",
		}},
		Unknowns: []gate.UnknownRecord{},
	}
	v, _, _ := generate(t, gr, nil, Options{})

	if v.Why[0] != "[CRITICAL] command destroys data irrecoverably" {
		t.Errorf("why[0] = %q", v.Why[0])
	}
	if len(v.WhatBlocked) != 1 || v.WhatBlocked[0] != "Risk assessment blocked all proposed actions" {
		t.Errorf("what_blocked = %v", v.WhatBlocked)
	}
}

func TestGenerate_ConfidenceArithmetic(t *testing.T) {
	gr := gate.Report{
		Decision: decision.Degrade,
		Risks: []gate.RiskRecord{
			{Severity: decision.SeverityHigh, Rationale: "a"},
			{Severity: decision.SeverityMedium, Rationale: "b"},
			{Severity: decision.SeverityLow, Rationale: "c"},
		},
		Unknowns: []gate.UnknownRecord{{Question: "q"}},
	}
	er := &enforce.Result{
		DecisionSummary: decision.Degrade,
		Degraded: []enforce.DegradedAction{{
			Action: decision.Action{ActionType: "write"}, RuleID: "d1",
			Decision: decision.Degrade, Rationale: "reduced scope",
		}},
	}
	v, _, _ := generate(t, gr, er, Options{})

	// 1.0 - 0.2 (unknown) - 0.2 - 0.1 - 0.05 (risks) - 0.1 (degraded)
	if want := 0.35; math.Abs(v.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", v.Confidence, want)
	}
}

func TestGenerate_ConfidenceClampedAtZero(t *testing.T) {
	risks := make([]gate.RiskRecord, 5)
	for i := range risks {
		risks[i] = gate.RiskRecord{Severity: decision.SeverityCritical, Rationale: "x"}
	}
	gr := gate.Report{Decision: decision.Block, Risks: risks, Unknowns: []gate.UnknownRecord{}}
	v, _, _ := generate(t, gr, nil, Options{})

	if v.Confidence != 0 {
		t.Errorf("confidence = %v, want clamp to 0", v.Confidence)
	}
}

func TestGenerate_WhyOrdering(t *testing.T) {
	gr := gate.Report{
		Decision: decision.Block,
		Risks:    []gate.RiskRecord{{Severity: decision.SeverityHigh, Rationale: "risky"}},
		Unknowns: []gate.UnknownRecord{{Question: "what is the target?"}},
	}
	er := &enforce.Result{
		DecisionSummary: decision.Block,
		Blocked: []enforce.BlockedAction{{
			Action: decision.Action{ActionType: "x"}, RuleID: "r", Rationale: "denied",
		}},
	}
	v, _, _ := generate(t, gr, er, Options{})

	want := []string{"[HIGH] risky", "[UNKNOWN] what is the target?", "[CONTRACT] denied"}
	if len(v.Why) != len(want) {
		t.Fatalf("why = %v", v.Why)
	}
	for i := range want {
		if v.Why[i] != want[i] {
			t.Errorf("why[%d] = %q, want %q", i, v.Why[i], want[i])
		}
	}
}

func TestGenerate_PersistsArtifacts(t *testing.T) {
	v, base, id := generate(t, cleanReport(decision.Allow), nil, Options{
		ExecutedActions: []string{"wrote /tmp/report.txt"},
	})

	raw, err := os.ReadFile(filepath.Join(base, id, "verdict.json"))
	if err != nil {
		t.Fatalf("reading verdict.json: %v", err)
	}
	var onDisk Verdict
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("parsing verdict.json: %v", err)
	}
	if onDisk.Summary != v.Summary || onDisk.Confidence != v.Confidence {
		t.Errorf("persisted verdict differs: %+v vs %+v", onDisk, v)
	}
	if len(onDisk.WhatChanged) != 1 || onDisk.WhatChanged[0] != "wrote /tmp/report.txt" {
		t.Errorf("what_changed = %v", onDisk.WhatChanged)
	}

	md, err := os.ReadFile(filepath.Join(base, id, "verdict.md"))
	if err != nil {
		t.Fatalf("reading verdict.md: %v", err)
	}
	if !strings.HasPrefix(string(md), "# Verdict: ALLOW") {
		t.Errorf("verdict.md starts with %q", string(md)[:min(40, len(md))])
	}
	if !strings.Contains(string(md), v.Summary) {
		t.Error("verdict.md is missing the summary sentence")
	}
}

func TestGenerate_AppendsEmitEvent(t *testing.T) {
	reg, err := schema.New()
	if err != nil {
		t.Fatal(err)
	}
	base := t.TempDir()
	w, err := trace.Create(base, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	v, err := Generate(cleanReport(decision.Degrade), nil, Options{}, w, reg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	events, err := trace.Read(base, w.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != "verdict.emit" {
		t.Fatalf("events = %+v", events)
	}
	p := events[0].Payload
	if p["decision"] != "DEGRADE" || p["summary"] != v.Summary {
		t.Errorf("verdict.emit payload = %v", p)
	}
}
