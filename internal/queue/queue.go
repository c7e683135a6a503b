// Package queue implements the two durable, crash-safe queues telemetry
// and action-response data pass through before the Controller Client
// ships them (spec §4.G): every mutation is a temp-file+fsync+rename
// rewrite of the whole file, so a crash mid-write never leaves a partial
// record visible.
package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"github.com/oklog/ulid/v2"
)

const fileMode = 0o600

// TelemetryEntry is one queued artifact-output record, keyed by
// (PluginID, ArtifactID) per spec §4.G.
type TelemetryEntry struct {
	ID         string          `json:"id"`
	PluginID   string          `json:"plugin_id"`
	ArtifactID string          `json:"artifact_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Key identifies a telemetry entry for acknowledgement.
type Key struct {
	PluginID   string
	ArtifactID string
}

// ActionResponse is one queued action execution result, identified by
// TriggerID for acknowledgement.
type ActionResponse struct {
	ID        string          `json:"id"`
	TriggerID string          `json:"trigger_id"`
	Payload   json.RawMessage `json:"payload"`
}

// TelemetryQueue is the append-only, atomically-persisted telemetry queue.
type TelemetryQueue struct {
	path    string
	softCap int

	mu      sync.Mutex
	entries []TelemetryEntry
}

// OpenTelemetryQueue loads path (or starts empty if absent). softCap, if
// > 0, bounds length with oldest-first eviction on Append (spec §4.G:
// "optional, not contractual").
func OpenTelemetryQueue(path string, softCap int) (*TelemetryQueue, error) {
	q := &TelemetryQueue{path: path, softCap: softCap}
	if err := loadJSON(path, &q.entries); err != nil {
		return nil, err
	}
	return q, nil
}

// Append adds an entry, synchronously persisting before returning.
func (q *TelemetryQueue) Append(e TelemetryEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	q.entries = append(q.entries, e)
	if q.softCap > 0 && len(q.entries) > q.softCap {
		q.entries = q.entries[len(q.entries)-q.softCap:]
	}
	return q.persist()
}

// Pending returns a snapshot of all queued entries.
func (q *TelemetryQueue) Pending() []TelemetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]TelemetryEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Ack removes every entry matching a key in keys, persisting the result.
func (q *TelemetryQueue) Ack(keys []Key) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ackSet := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		ackSet[k] = struct{}{}
	}

	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, found := ackSet[Key{PluginID: e.PluginID, ArtifactID: e.ArtifactID}]; !found {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return q.persist()
}

func (q *TelemetryQueue) persist() error {
	return writeJSON(q.path, q.entries)
}

// ActionResponseQueue is the append-only, atomically-persisted queue of
// action execution results awaiting upload.
type ActionResponseQueue struct {
	path string

	mu      sync.Mutex
	entries []ActionResponse
}

// OpenActionResponseQueue loads path (or starts empty if absent).
func OpenActionResponseQueue(path string) (*ActionResponseQueue, error) {
	q := &ActionResponseQueue{path: path}
	if err := loadJSON(path, &q.entries); err != nil {
		return nil, err
	}
	return q, nil
}

// Append adds a response, synchronously persisting before returning.
func (q *ActionResponseQueue) Append(r ActionResponse) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	q.entries = append(q.entries, r)
	return q.persist()
}

// Pending returns a snapshot of all queued responses.
func (q *ActionResponseQueue) Pending() []ActionResponse {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ActionResponse, len(q.entries))
	copy(out, q.entries)
	return out
}

// Ack removes every response whose TriggerID is in triggerIDs.
func (q *ActionResponseQueue) Ack(triggerIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ackSet := make(map[string]struct{}, len(triggerIDs))
	for _, id := range triggerIDs {
		ackSet[id] = struct{}{}
	}

	kept := q.entries[:0]
	for _, r := range q.entries {
		if _, found := ackSet[r.TriggerID]; !found {
			kept = append(kept, r)
		}
	}
	q.entries = kept
	return q.persist()
}

func (q *ActionResponseQueue) persist() error {
	return writeJSON(q.path, q.entries)
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(path, data, fileMode)
}
