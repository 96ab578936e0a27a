// Package trace implements the tamper-evident, hash-chained trace log.
//
// Every governance evaluation appends events to an append-only ndjson file
// scoped to one trace_id. Each event's hash is the SHA-256 digest of the
// RFC 8785 canonical JSON of (seq, type, timestamp, payload, prev_hash),
// so editing any event breaks the chain from that point forward.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the prev_hash sentinel of the first event in a trace.
const GenesisHash = "sha256:genesis"

// Event is a single trace log record. Events are immutable once appended.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// hashEnvelope is the hashed portion of an event, everything except the
// hash itself. Field order is irrelevant: canonicalization sorts keys.
type hashEnvelope struct {
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash"`
}

// ComputeHash calculates the chained hash for an event. The PrevHash field
// must already be set. Returns a prefixed hash string "sha256:<hex>".
//
// Canonicalization (RFC 8785) makes the digest independent of map iteration
// order and encoder quirks: semantically identical events always hash the
// same across runs and processes.
func ComputeHash(e *Event) (string, error) {
	env := hashEnvelope{
		Seq:       e.Seq,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling event for hashing: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalizing event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// VerifyEvent reports whether an event's recorded hash matches the hash
// recomputed from its own fields.
func VerifyEvent(e *Event) bool {
	expected, err := ComputeHash(e)
	if err != nil {
		return false
	}
	return e.Hash == expected
}

// VerifyResult holds the outcome of a chain verification walk.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	EventsChecked int    `json:"events_checked"`
	BrokenAt      int    `json:"broken_at,omitempty"`
	ExpectedHash  string `json:"expected_hash,omitempty"`
	ActualHash    string `json:"actual_hash,omitempty"`
}

// VerifyChain walks a full event sequence and verifies hash integrity and
// linkage, stopping at the first break. Replay performs its own exhaustive
// walk; this is the quick check behind `gavel trace verify`.
func VerifyChain(events []Event) VerifyResult {
	if len(events) == 0 {
		return VerifyResult{Valid: true}
	}
	for i := range events {
		e := &events[i]
		expected, err := ComputeHash(e)
		if err != nil || e.Hash != expected {
			return VerifyResult{
				EventsChecked: i + 1,
				BrokenAt:      i,
				ExpectedHash:  expected,
				ActualHash:    e.Hash,
			}
		}
		want := GenesisHash
		if i > 0 {
			want = events[i-1].Hash
		}
		if e.PrevHash != want {
			return VerifyResult{
				EventsChecked: i + 1,
				BrokenAt:      i,
				ExpectedHash:  want,
				ActualHash:    e.PrevHash,
			}
		}
	}
	return VerifyResult{Valid: true, EventsChecked: len(events)}
}
