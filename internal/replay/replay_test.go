package replay

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/gavelhq/gavel/internal/schema"
	"github.com/gavelhq/gavel/internal/trace"
)

func newRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.New()
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return reg
}

// writeCleanTrace records a structurally valid gate-then-verdict trace.
func writeCleanTrace(t *testing.T, base string) string {
	t.Helper()
	w, err := trace.Create(base, "", nil)
	if err != nil {
		t.Fatalf("trace.Create: %v", err)
	}
	defer w.Close()

	appendOrFatal := func(eventType string, payload map[string]any) {
		t.Helper()
		if _, err := w.Append(eventType, payload); err != nil {
			t.Fatalf("Append(%s): %v", eventType, err)
		}
	}
	appendOrFatal("gate.start", map[string]any{
		"task": "archive logs", "action_count": 1, "actions": []string{"read on /var/log"},
	})
	appendOrFatal("gate.risk", map[string]any{
		"kind": "risk", "severity": "low", "category": "bulk_write", "rationale": "many files touched",
	})
	appendOrFatal("gate.end", map[string]any{
		"decision": "DEGRADE", "risk_count": 1, "unknown_count": 0,
	})
	appendOrFatal("verdict.emit", map[string]any{
		"decision": "DEGRADE", "confidence": 0.95,
		"summary": "The proposal may proceed only in degraded form.",
	})
	return w.ID()
}

func TestReplay_CleanTracePasses(t *testing.T) {
	base := t.TempDir()
	id := writeCleanTrace(t, base)

	result, err := Replay(base, id, newRegistry(t), Options{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.Status != StatusPass {
		t.Errorf("status = %s, errors = %v", result.Status, result.Errors)
	}
	if result.EventCount != 4 {
		t.Errorf("event_count = %d, want 4", result.EventCount)
	}
	want := Checks{SchemaValid: true, HashChainValid: true, StructureValid: true}
	if result.Checks != want {
		t.Errorf("checks = %+v", result.Checks)
	}
}

func TestReplay_Idempotent(t *testing.T) {
	base := t.TempDir()
	id := writeCleanTrace(t, base)
	reg := newRegistry(t)

	first, err := Replay(base, id, reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Replay(base, id, reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("replay not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	base := t.TempDir()
	id := writeCleanTrace(t, base)

	// Flip the recorded task in the first line of the log.
	path := filepath.Join(base, id, "events.ndjson")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(raw), "archive logs", "archive 1ogs", 1)
	if tampered == string(raw) {
		t.Fatal("tampering substitution did not apply")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := Replay(base, id, newRegistry(t), Options{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.Status != StatusFail {
		t.Fatal("tampered trace passed verification")
	}
	if result.Checks.HashChainValid {
		t.Error("hash_chain_valid = true for a tampered event")
	}
	// Payload edits do not break schema or ordering.
	if !result.Checks.SchemaValid || !result.Checks.StructureValid {
		t.Errorf("checks = %+v, want only the hash chain to fail", result.Checks)
	}
	if len(result.Errors) == 0 {
		t.Error("no violations enumerated")
	}
}

func TestReplay_DetectsStructureViolation(t *testing.T) {
	base := t.TempDir()
	w, err := trace.Create(base, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// gate.risk with no preceding gate.start. The chain itself is intact.
	if _, err := w.Append("gate.risk", map[string]any{
		"kind": "risk", "severity": "high", "category": "x", "rationale": "y",
	}); err != nil {
		t.Fatal(err)
	}

	result, err := Replay(base, w.ID(), newRegistry(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFail || result.Checks.StructureValid {
		t.Errorf("result = %+v, want structure failure", result)
	}
	if !result.Checks.HashChainValid {
		t.Error("hash chain should still be valid")
	}
}

func TestReplay_DetectsUnknownEventType(t *testing.T) {
	base := t.TempDir()
	w, err := trace.Create(base, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := w.Append("gate.bogus", map[string]any{"x": 1}); err != nil {
		t.Fatal(err)
	}

	result, err := Replay(base, w.ID(), newRegistry(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Checks.SchemaValid {
		t.Error("schema_valid = true for an unregistered event type")
	}
}

func TestReplay_MissingTrace(t *testing.T) {
	_, err := Replay(t.TempDir(), "tr-nope", newRegistry(t), Options{})
	if !errors.Is(err, trace.ErrNotFound) {
		t.Errorf("err = %v, want trace.ErrNotFound", err)
	}
}

func TestReplay_WritesArtifacts(t *testing.T) {
	base := t.TempDir()
	id := writeCleanTrace(t, base)
	reg := newRegistry(t)

	if _, err := Replay(base, id, reg, Options{WriteResults: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(base, id, "replay.json")); err != nil {
		t.Errorf("replay.json not written: %v", err)
	}
	// A clean trace produces no diff.
	if _, err := os.Stat(filepath.Join(base, id, "diff.json")); !os.IsNotExist(err) {
		t.Errorf("diff.json unexpectedly present (err=%v)", err)
	}

	// Tamper, replay again, and expect the diff.
	path := filepath.Join(base, id, "events.ndjson")
	raw, _ := os.ReadFile(path)
	if err := os.WriteFile(path, []byte(strings.Replace(string(raw), "archive logs", "archive 1ogs", 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Replay(base, id, reg, Options{WriteResults: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(base, id, "diff.json")); err != nil {
		t.Errorf("diff.json not written after tampering: %v", err)
	}
}
