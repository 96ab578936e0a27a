package kernel

import (
	"testing"

	"github.com/gavelhq/gavel/internal/contract"
	"github.com/gavelhq/gavel/internal/decision"
	"github.com/gavelhq/gavel/internal/enforce"
	"github.com/gavelhq/gavel/internal/replay"
	"github.com/gavelhq/gavel/internal/schema"
	"github.com/gavelhq/gavel/internal/trace"
)

func newKernel(t *testing.T) *Kernel {
	t.Helper()
	reg, err := schema.New()
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	k, err := New(t.TempDir(), reg, nil)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	return k
}

func protectedFilesContract() *contract.Contract {
	return &contract.Contract{
		Version: "1.0.0",
		Scope:   contract.Scope{Name: "filesystem"},
		Rules: []contract.Rule{{
			ID:        "r1",
			Effect:    contract.EffectDeny,
			Match:     &contract.Match{PathPrefix: "/etc/"},
			Rationale: "system files protected",
		}},
	}
}

// TestFullPipeline walks gate, enforce, verdict, and replay over a single
// shared trace, the way the CLI chains them.
func TestFullPipeline(t *testing.T) {
	k := newKernel(t)
	actions := []decision.Action{
		{ActionType: "delete", Tool: "fs", Resource: "/etc/passwd"},
		{ActionType: "read", Tool: "fs", Resource: "/var/log/syslog"},
	}

	report, kerr := k.Gate(GateRequest{Task: "clean up old files", ProposedActions: actions})
	if kerr != nil {
		t.Fatalf("Gate: %v", kerr)
	}
	if report.TraceID == "" {
		t.Fatal("gate report has no trace_id")
	}
	if report.Decision != decision.Block {
		t.Errorf("gate decision = %s, want BLOCK for /etc/passwd delete", report.Decision)
	}

	result, kerr := k.Enforce(EnforceRequest{
		Contract: protectedFilesContract(),
		Actions:  actions,
		TraceID:  report.TraceID,
	})
	if kerr != nil {
		t.Fatalf("Enforce: %v", kerr)
	}
	if result.DecisionSummary != decision.Block {
		t.Errorf("enforce summary = %s, want BLOCK", result.DecisionSummary)
	}
	if len(result.Blocked) != 1 || result.Blocked[0].RuleID != "r1" {
		t.Errorf("blocked = %+v", result.Blocked)
	}
	if len(result.Allowed) != 1 {
		t.Errorf("allowed = %+v", result.Allowed)
	}

	v, kerr := k.Verdict(VerdictRequest{
		GateReport:    *report,
		EnforceResult: result,
		TraceID:       report.TraceID,
	})
	if kerr != nil {
		t.Fatalf("Verdict: %v", kerr)
	}
	if v.Summary != "The proposal is blocked and must not proceed." {
		t.Errorf("verdict summary = %q", v.Summary)
	}
	if v.TraceID != report.TraceID {
		t.Errorf("verdict trace_id = %q, want %q", v.TraceID, report.TraceID)
	}

	rr, kerr := k.Replay(report.TraceID)
	if kerr != nil {
		t.Fatalf("Replay: %v", kerr)
	}
	if rr.Status != replay.StatusPass {
		t.Errorf("replay status = %s, errors = %v", rr.Status, rr.Errors)
	}

	// The shared trace holds the full history in one hash chain.
	events, err := trace.Read(k.BaseDir(), report.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	for _, want := range []string{"gate.start", "gate.end", "contract.load", "enforce.block", "verdict.emit"} {
		if !types[want] {
			t.Errorf("trace is missing a %s event", want)
		}
	}
	vr := trace.VerifyChain(events)
	if !vr.Valid {
		t.Errorf("chain broken at event %d", vr.BrokenAt)
	}
}

func TestGate_CleanProposal(t *testing.T) {
	k := newKernel(t)
	report, kerr := k.Gate(GateRequest{
		Task: "summarize notes",
		ProposedActions: []decision.Action{
			{ActionType: "read", Tool: "fs", Resource: "/home/user/notes.md"},
		},
	})
	if kerr != nil {
		t.Fatalf("Gate: %v", kerr)
	}
	if report.Decision != decision.Allow {
		t.Errorf("decision = %s, want ALLOW (risks=%v unknowns=%v)",
			report.Decision, report.Risks, report.Unknowns)
	}
}

func TestEnforce_RequiresContract(t *testing.T) {
	k := newKernel(t)
	_, kerr := k.Enforce(EnforceRequest{Actions: []decision.Action{{ActionType: "x"}}})
	if kerr == nil {
		t.Fatal("expected an error without a contract")
	}
	if kerr.Message == "" {
		t.Error("error has no message")
	}
}

func TestEnforce_EvidenceFlow(t *testing.T) {
	k := newKernel(t)
	c := &contract.Contract{
		Version: "1.0.0",
		Scope:   contract.Scope{Name: "deploys"},
		Rules: []contract.Rule{{
			ID:               "ev1",
			Effect:           contract.EffectRequireEvidence,
			Match:            &contract.Match{ActionType: "deploy"},
			Rationale:        "deploys need a rollback plan",
			EvidenceRequired: []string{"rollback_plan"},
		}},
	}
	actions := []decision.Action{{ActionType: "deploy", Resource: "api"}}

	result, kerr := k.Enforce(EnforceRequest{Contract: c, Actions: actions})
	if kerr != nil {
		t.Fatal(kerr)
	}
	if result.DecisionSummary != decision.Unknown {
		t.Errorf("without evidence = %s, want UNKNOWN", result.DecisionSummary)
	}

	result, kerr = k.Enforce(EnforceRequest{
		Contract: c,
		Actions:  actions,
		Context:  enforce.Context{EvidenceProvided: []string{"rollback_plan"}},
	})
	if kerr != nil {
		t.Fatal(kerr)
	}
	if result.DecisionSummary != decision.Allow {
		t.Errorf("with evidence = %s, want ALLOW", result.DecisionSummary)
	}
}

func TestVerdict_RequiresTraceID(t *testing.T) {
	k := newKernel(t)
	_, kerr := k.Verdict(VerdictRequest{})
	if kerr == nil {
		t.Fatal("expected an error without a trace id")
	}
}

func TestVerdict_UnknownTrace(t *testing.T) {
	k := newKernel(t)
	_, kerr := k.Verdict(VerdictRequest{TraceID: "tr-missing"})
	if kerr == nil || !kerr.NotFound() {
		t.Errorf("kerr = %v, want a not-found error", kerr)
	}
}

func TestReplay_MissingTraceIsNotFound(t *testing.T) {
	k := newKernel(t)
	_, kerr := k.Replay("tr-does-not-exist")
	if kerr == nil {
		t.Fatal("expected an error")
	}
	if !kerr.NotFound() {
		t.Errorf("NotFound() = false for missing trace: %v", kerr)
	}
	if kerr.TraceID != "tr-does-not-exist" {
		t.Errorf("trace_id = %q", kerr.TraceID)
	}
}

func TestGate_WithIndex(t *testing.T) {
	reg, err := schema.New()
	if err != nil {
		t.Fatal(err)
	}
	base := t.TempDir()
	idx, err := trace.OpenIndex(base + "/index.db")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	k, err := New(base, reg, idx)
	if err != nil {
		t.Fatal(err)
	}
	report, kerr := k.Gate(GateRequest{Task: "noop", ProposedActions: nil})
	if kerr != nil {
		t.Fatal(kerr)
	}

	summaries, err := idx.ListTraces(10)
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(summaries) != 1 || summaries[0].TraceID != report.TraceID {
		t.Errorf("summaries = %+v", summaries)
	}
}
