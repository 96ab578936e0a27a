package trace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// Index provides fast cross-trace queries using SQLite. The ndjson logs
// are the source of truth; the index is a queryable projection that can
// be rebuilt from them at any time. A nil *Index disables indexing
// everywhere; the kernel works without it.
type Index struct {
	db *sql.DB
}

// TraceSummary is one row of `gavel trace list`.
type TraceSummary struct {
	TraceID    string `json:"trace_id"`
	EventCount int    `json:"event_count"`
	FirstTS    string `json:"first_ts"`
	LastTS     string `json:"last_ts"`
	Decision   string `json:"decision,omitempty"` // from the latest gate.end / verdict.emit
}

// QueryParams filters event queries. Zero values mean "no filter".
type QueryParams struct {
	TraceID  string
	Type     string
	Decision string
	Since    string // RFC 3339 timestamp lower bound
	Limit    int
}

// IndexedEvent is an event row joined with its trace id.
type IndexedEvent struct {
	TraceID string `json:"trace_id"`
	Event
}

// OpenIndex opens (or creates) the SQLite index database.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening trace index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			trace_id TEXT NOT NULL,
			seq      INTEGER NOT NULL,
			ts       TEXT NOT NULL,
			type     TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT '',
			payload  TEXT NOT NULL DEFAULT '',
			hash     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (trace_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
		CREATE INDEX IF NOT EXISTS idx_events_decision ON events(decision);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating trace index schema: %w", err)
	}

	return &Index{db: db}, nil
}

// insert adds an event row. Non-blocking from the caller's point of view:
// index failures are logged, never surfaced. The ndjson write already
// succeeded and that is what integrity depends on.
func (idx *Index) insert(traceID string, e *Event) {
	payloadJSON, _ := json.Marshal(e.Payload)
	decision := ""
	if d, ok := e.Payload["decision"].(string); ok {
		decision = d
	}

	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO events (trace_id, seq, ts, type, decision, payload, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		traceID, e.Seq, e.Timestamp, e.Type, decision, string(payloadJSON), e.Hash,
	)
	if err != nil {
		slog.Error("trace index insert failed", "trace_id", traceID, "seq", e.Seq, "error", err)
	}
}

// Reindex replays a full event sequence into the index. Used to rebuild
// the projection from the ndjson source of truth.
func (idx *Index) Reindex(traceID string, events []Event) {
	for i := range events {
		idx.insert(traceID, &events[i])
	}
}

// ListTraces returns a per-trace summary, most recent first.
func (idx *Index) ListTraces(limit int) ([]TraceSummary, error) {
	query := `
		SELECT e.trace_id, COUNT(*), MIN(e.ts), MAX(e.ts),
		       COALESCE((SELECT decision FROM events d
		                 WHERE d.trace_id = e.trace_id AND d.decision != ''
		                 ORDER BY d.seq DESC LIMIT 1), '')
		FROM events e
		GROUP BY e.trace_id
		ORDER BY MIN(e.ts) DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	defer rows.Close()

	var summaries []TraceSummary
	for rows.Next() {
		var s TraceSummary
		if err := rows.Scan(&s.TraceID, &s.EventCount, &s.FirstTS, &s.LastTS, &s.Decision); err != nil {
			return nil, fmt.Errorf("scanning trace summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Query retrieves indexed events matching the given filters, in
// (trace_id, seq) order.
func (idx *Index) Query(params QueryParams) ([]IndexedEvent, error) {
	query := "SELECT trace_id, seq, ts, type, payload, hash FROM events WHERE 1=1"
	var args []any

	if params.TraceID != "" {
		query += " AND trace_id = ?"
		args = append(args, params.TraceID)
	}
	if params.Type != "" {
		query += " AND type = ?"
		args = append(args, params.Type)
	}
	if params.Decision != "" {
		query += " AND decision = ?"
		args = append(args, params.Decision)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}

	query += " ORDER BY trace_id, seq"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trace index: %w", err)
	}
	defer rows.Close()

	var events []IndexedEvent
	for rows.Next() {
		var e IndexedEvent
		var payloadJSON string
		if err := rows.Scan(&e.TraceID, &e.Seq, &e.Timestamp, &e.Type, &payloadJSON, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning indexed event: %w", err)
		}
		if payloadJSON != "" && payloadJSON != "null" {
			var payload map[string]any
			if jsonErr := json.Unmarshal([]byte(payloadJSON), &payload); jsonErr == nil {
				e.Payload = payload
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}
