package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when reading a trace that does not exist.
// This is a storage-layer error; callers must never convert it into a
// governance decision.
var ErrNotFound = errors.New("trace not found")

// eventsFile is the append-only event log inside each trace directory.
const eventsFile = "events.ndjson"

// NewID generates a trace id that sorts by creation time and carries a
// random suffix for collision resistance:
//
//	tr-20260829T141503.125000000Z-9f3b2c1d
func NewID() string {
	ts := time.Now().UTC().Format("20060102T150405.000000000Z")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "tr-" + ts + "-" + suffix
}

// Writer appends events to one trace's log. A trace assumes a single
// logical writer: a new evaluation starts a new trace rather than racing
// to extend an old chain. The mutex only guards against accidental
// concurrent use of the same Writer value.
type Writer struct {
	mu       sync.Mutex
	id       string
	dir      string
	seq      uint64 // next sequence number to assign
	lastHash string
	file     *os.File
	index    *Index // optional; nil disables indexing
}

// Create opens a writer for the given trace id under baseDir, generating
// an id if none is supplied. The trace directory is created if missing.
// If the trace already has events, the chain state is recovered so new
// events continue it.
func Create(baseDir, id string, idx *Index) (*Writer, error) {
	if id == "" {
		id = NewID()
	}
	dir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trace directory %s: %w", dir, err)
	}

	w := &Writer{
		id:       id,
		dir:      dir,
		lastHash: GenesisHash,
		index:    idx,
	}

	path := filepath.Join(dir, eventsFile)
	if last, err := readLastEvent(path); err != nil {
		return nil, fmt.Errorf("recovering trace %s: %w", id, err)
	} else if last != nil {
		w.seq = last.Seq + 1
		w.lastHash = last.Hash
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trace log %s: %w", path, err)
	}
	w.file = f

	slog.Debug("trace writer opened", "trace_id", id, "seq", w.seq)
	return w, nil
}

// ID returns the trace id this writer appends to.
func (w *Writer) ID() string { return w.id }

// Dir returns the trace's directory.
func (w *Writer) Dir() string { return w.dir }

// Append assigns the next sequence number, stamps the timestamp, computes
// the chained hash, persists the event as one JSON line, and returns it.
// The write is fsynced before returning so events survive crashes.
func (w *Writer) Append(eventType string, payload map[string]any) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if payload == nil {
		payload = map[string]any{}
	}

	e := Event{
		Seq:       w.seq,
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
		PrevHash:  w.lastHash,
	}
	hash, err := ComputeHash(&e)
	if err != nil {
		return Event{}, err
	}
	e.Hash = hash

	data, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling trace event: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return Event{}, fmt.Errorf("writing trace event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("syncing trace log: %w", err)
	}

	w.seq++
	w.lastHash = e.Hash

	if w.index != nil {
		w.index.insert(w.id, &e)
	}
	return e, nil
}

// WriteFile persists an auxiliary artifact (verdict.json, verdict.md,
// replay.json, diff.json) alongside the event log.
func (w *Writer) WriteFile(name string, content []byte) error {
	if filepath.Base(name) != name {
		return fmt.Errorf("artifact name %q must not contain path separators", name)
	}
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("writing trace artifact %s: %w", name, err)
	}
	return nil
}

// Close closes the underlying log file. The index is shared across
// writers and is closed by its owner, not here.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Read loads the full event sequence for a trace in file order, which is
// sequence order by construction. Returns ErrNotFound if the trace does
// not exist.
func Read(baseDir, id string) ([]Event, error) {
	path := filepath.Join(baseDir, id, eventsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("opening trace log %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parsing trace event in %s: %w", path, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading trace log %s: %w", path, err)
	}
	return events, nil
}

// ReadArtifact loads an auxiliary artifact from a trace directory.
func ReadArtifact(baseDir, id, name string) ([]byte, error) {
	path := filepath.Join(baseDir, id, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
		}
		return nil, err
	}
	return data, nil
}

// Exists reports whether a trace directory with an event log exists.
func Exists(baseDir, id string) bool {
	_, err := os.Stat(filepath.Join(baseDir, id, eventsFile))
	return err == nil
}

// readLastEvent reads the last non-empty line of an event log. Returns
// nil if the file is missing or empty.
func readLastEvent(path string) (*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if lastLine == "" {
		return nil, nil
	}

	var e Event
	if err := json.Unmarshal([]byte(lastLine), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
