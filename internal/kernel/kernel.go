// Package kernel exposes the four governance operations (gate, enforce,
// verdict, replay) as a single boundary for the orchestration layer.
// Every failure crosses this boundary as a structured {error, trace_id}
// value; nothing is ever thrown or panicked across it, and storage errors
// are never converted into governance decisions.
package kernel

import (
	"errors"
	"fmt"

	"github.com/gavelhq/gavel/internal/contract"
	"github.com/gavelhq/gavel/internal/decision"
	"github.com/gavelhq/gavel/internal/enforce"
	"github.com/gavelhq/gavel/internal/gate"
	"github.com/gavelhq/gavel/internal/replay"
	"github.com/gavelhq/gavel/internal/schema"
	"github.com/gavelhq/gavel/internal/trace"
	"github.com/gavelhq/gavel/internal/verdict"
)

// Error is the structured failure value returned across the kernel
// boundary.
type Error struct {
	Message string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`

	notFound bool
}

func (e *Error) Error() string { return e.Message }

// NotFound reports whether the error is a missing-trace storage error.
func (e *Error) NotFound() bool { return e.notFound }

// Kernel binds trace storage, the schema registry, and the evaluators.
type Kernel struct {
	baseDir  string
	registry *schema.Registry
	gate     *gate.Gate
	index    *trace.Index // optional; nil disables indexing
}

// New constructs a kernel rooted at baseDir. idx may be nil.
func New(baseDir string, registry *schema.Registry, idx *trace.Index) (*Kernel, error) {
	g, err := gate.New(registry)
	if err != nil {
		return nil, err
	}
	return &Kernel{baseDir: baseDir, registry: registry, gate: g, index: idx}, nil
}

// BaseDir returns the trace storage root.
func (k *Kernel) BaseDir() string { return k.baseDir }

// Registry returns the injected schema registry.
func (k *Kernel) Registry() *schema.Registry { return k.registry }

// GateRequest is one governance_gate invocation.
type GateRequest struct {
	Task            string            `json:"task"`
	Context         map[string]any    `json:"context,omitempty"`
	ProposedActions []decision.Action `json:"proposed_actions"`
	TraceID         string            `json:"trace_id,omitempty"`
}

// Gate evaluates the proposed actions for risk, creating a new trace
// unless an id is supplied.
func (k *Kernel) Gate(req GateRequest) (*gate.Report, *Error) {
	w, err := trace.Create(k.baseDir, req.TraceID, k.index)
	if err != nil {
		return nil, &Error{Message: err.Error(), TraceID: req.TraceID}
	}
	defer w.Close()

	report, err := k.gate.Evaluate(gate.Input{
		Task:            req.Task,
		Context:         req.Context,
		ProposedActions: req.ProposedActions,
	}, w)
	if err != nil {
		return nil, &Error{Message: err.Error(), TraceID: w.ID()}
	}
	return &report, nil
}

// EnforceRequest is one governance_enforce invocation.
type EnforceRequest struct {
	Contract *contract.Contract `json:"contract"`
	Actions  []decision.Action  `json:"actions"`
	Context  enforce.Context    `json:"context,omitempty"`
	TraceID  string             `json:"trace_id,omitempty"`
}

// Enforce checks the actions against the contract, creating a new trace
// unless an id is supplied.
func (k *Kernel) Enforce(req EnforceRequest) (*enforce.Result, *Error) {
	if req.Contract == nil {
		return nil, &Error{Message: "enforce: contract is required", TraceID: req.TraceID}
	}
	w, err := trace.Create(k.baseDir, req.TraceID, k.index)
	if err != nil {
		return nil, &Error{Message: err.Error(), TraceID: req.TraceID}
	}
	defer w.Close()

	result, err := enforce.Evaluate(req.Contract, req.Actions, req.Context, w, k.registry)
	if err != nil {
		return nil, &Error{Message: err.Error(), TraceID: w.ID()}
	}
	return &result, nil
}

// VerdictRequest is one governance_verdict invocation.
type VerdictRequest struct {
	GateReport      gate.Report     `json:"gate_report"`
	EnforceResult   *enforce.Result `json:"enforce_result,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
	ExecutedActions []string        `json:"executed_actions,omitempty"`
}

// Verdict synthesizes the final decision, extending the trace the gate
// report belongs to.
func (k *Kernel) Verdict(req VerdictRequest) (*verdict.Verdict, *Error) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = req.GateReport.TraceID
	}
	if traceID == "" {
		return nil, &Error{Message: "verdict: trace_id is required"}
	}
	if !trace.Exists(k.baseDir, traceID) {
		return nil, &Error{
			Message:  fmt.Sprintf("verdict: trace %s not found", traceID),
			TraceID:  traceID,
			notFound: true,
		}
	}

	w, err := trace.Create(k.baseDir, traceID, k.index)
	if err != nil {
		return nil, &Error{Message: err.Error(), TraceID: traceID}
	}
	defer w.Close()

	v, err := verdict.Generate(req.GateReport, req.EnforceResult, verdict.Options{
		ExecutedActions: req.ExecutedActions,
	}, w, k.registry)
	if err != nil {
		return nil, &Error{Message: err.Error(), TraceID: traceID}
	}
	return &v, nil
}

// Replay verifies a recorded trace, persisting replay.json and, when
// violations are found, diff.json.
func (k *Kernel) Replay(traceID string) (*replay.Result, *Error) {
	result, err := replay.Replay(k.baseDir, traceID, k.registry, replay.Options{WriteResults: true})
	if err != nil {
		kerr := &Error{Message: err.Error(), TraceID: traceID}
		if errors.Is(err, trace.ErrNotFound) {
			kerr.notFound = true
		}
		return nil, kerr
	}
	return &result, nil
}
