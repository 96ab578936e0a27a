// Package replay re-verifies a recorded trace using only what was
// written: it reloads the event sequence, validates every payload against
// its registered schema, recomputes the hash chain, and checks the
// structural ordering invariants. It owns no mutable state, never repairs
// anything, and is idempotent: identical input yields identical results.
package replay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gavelhq/gavel/internal/schema"
	"github.com/gavelhq/gavel/internal/trace"
)

// Status is the overall replay outcome.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Checks reports the three independent verification outcomes. All must
// pass for overall PASS.
type Checks struct {
	SchemaValid    bool `json:"schema_valid"`
	HashChainValid bool `json:"hash_chain_valid"`
	StructureValid bool `json:"structure_valid"`
}

// Result is a pure function of the trace log's contents at verification
// time. Errors enumerates every violation found, not just the first.
type Result struct {
	Status     Status   `json:"status"`
	EventCount int      `json:"event_count"`
	Errors     []string `json:"errors"`
	Checks     Checks   `json:"checks"`
}

// Options controls artifact persistence.
type Options struct {
	// WriteResults persists replay.json (and diff.json when violations
	// were found) into the trace directory. The event log itself is
	// never touched.
	WriteResults bool
}

// Replay verifies the trace identified by traceID under baseDir. A
// missing trace fails immediately with trace.ErrNotFound, a storage
// error rather than a FAIL verdict.
func Replay(baseDir, traceID string, reg *schema.Registry, opts Options) (Result, error) {
	events, err := trace.Read(baseDir, traceID)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		EventCount: len(events),
		Errors:     []string{},
		Checks:     Checks{SchemaValid: true, HashChainValid: true, StructureValid: true},
	}

	if errs := checkSchemas(events, reg); len(errs) > 0 {
		result.Checks.SchemaValid = false
		result.Errors = append(result.Errors, errs...)
	}
	if errs := checkHashChain(events); len(errs) > 0 {
		result.Checks.HashChainValid = false
		result.Errors = append(result.Errors, errs...)
	}
	if errs := checkStructure(events); len(errs) > 0 {
		result.Checks.StructureValid = false
		result.Errors = append(result.Errors, errs...)
	}

	if result.Checks.SchemaValid && result.Checks.HashChainValid && result.Checks.StructureValid {
		result.Status = StatusPass
	} else {
		result.Status = StatusFail
	}

	if opts.WriteResults {
		if err := writeArtifacts(baseDir, traceID, &result); err != nil {
			return result, err
		}
	}

	slog.Info("trace replayed",
		"trace_id", traceID,
		"status", string(result.Status),
		"events", result.EventCount,
		"violations", len(result.Errors))
	return result, nil
}

// checkSchemas validates every event envelope and payload against the
// registered schemas.
func checkSchemas(events []trace.Event, reg *schema.Registry) []string {
	var errs []string
	for i := range events {
		e := &events[i]
		if err := reg.ValidateArtifact(schema.ArtifactTraceEvent, e); err != nil {
			errs = append(errs, fmt.Sprintf("event %d: invalid envelope: %v", i, err))
			continue
		}
		if !reg.KnownEventType(e.Type) {
			errs = append(errs, fmt.Sprintf("event %d: unknown event type %q", i, e.Type))
			continue
		}
		if err := reg.ValidatePayload(e.Type, e.Payload); err != nil {
			errs = append(errs, fmt.Sprintf("event %d (%s): invalid payload: %v", i, e.Type, err))
		}
	}
	return errs
}

// checkHashChain recomputes every event's hash from its own fields and
// the previous event's recorded hash. A discrepancy at any position is
// reported, and linkage is checked independently so a single edit
// surfaces as both a broken hash and a broken link downstream.
func checkHashChain(events []trace.Event) []string {
	var errs []string
	for i := range events {
		e := &events[i]

		want := trace.GenesisHash
		if i > 0 {
			want = events[i-1].Hash
		}
		if e.PrevHash != want {
			errs = append(errs, fmt.Sprintf("event %d: prev_hash %s does not match previous event hash %s", i, e.PrevHash, want))
		}

		expected, err := trace.ComputeHash(e)
		if err != nil {
			errs = append(errs, fmt.Sprintf("event %d: hash recomputation failed: %v", i, err))
			continue
		}
		if e.Hash != expected {
			errs = append(errs, fmt.Sprintf("event %d: recorded hash %s does not match recomputed %s", i, e.Hash, expected))
		}
	}
	return errs
}

// checkStructure verifies the ordering invariants: contiguous sequence
// numbers from zero, gate events only after gate.start, at most one
// gate.end per gate.start, enforce events only after contract.load, and
// verdict.emit only after the evaluation events it summarizes.
func checkStructure(events []trace.Event) []string {
	var errs []string
	gateOpen := 0      // gate.start seen without a matching gate.end
	gateClosed := 0    // completed gate evaluations
	contractLoads := 0 // contract.load events seen

	for i := range events {
		e := &events[i]
		if e.Seq != uint64(i) {
			errs = append(errs, fmt.Sprintf("event %d: sequence number %d out of order", i, e.Seq))
		}

		switch e.Type {
		case "gate.start":
			gateOpen++
		case "gate.risk":
			if gateOpen == 0 {
				errs = append(errs, fmt.Sprintf("event %d: gate.risk before gate.start", i))
			}
		case "gate.end":
			if gateOpen == 0 {
				errs = append(errs, fmt.Sprintf("event %d: gate.end without a preceding gate.start", i))
			} else {
				gateOpen--
				gateClosed++
			}
		case "contract.load":
			contractLoads++
		case "enforce.block", "enforce.allow":
			if contractLoads == 0 {
				errs = append(errs, fmt.Sprintf("event %d: %s before contract.load", i, e.Type))
			}
		case "verdict.emit":
			if gateClosed == 0 && contractLoads == 0 {
				errs = append(errs, fmt.Sprintf("event %d: verdict.emit before any completed evaluation", i))
			}
		}
	}
	return errs
}

// writeArtifacts persists replay.json, plus diff.json when violations
// were found. Only auxiliary artifacts are written, never the log.
func writeArtifacts(baseDir, traceID string, result *Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling replay result: %w", err)
	}
	dir := filepath.Join(baseDir, traceID)
	if err := os.WriteFile(filepath.Join(dir, "replay.json"), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing replay.json: %w", err)
	}

	if len(result.Errors) == 0 {
		return nil
	}
	diff := map[string]any{
		"status": result.Status,
		"checks": result.Checks,
		"errors": result.Errors,
	}
	diffData, err := json.MarshalIndent(diff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling diff: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "diff.json"), append(diffData, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing diff.json: %w", err)
	}
	return nil
}
