// Package config owns the agent's single typed configuration document: its
// shape, defaults, and atomic on-disk persistence. It is the only component
// permitted to read or write config.json (spec §3 Ownership).
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moby/sys/atomicwriter"

	"github.com/agentmesh/agent-core/internal/errs"
)

// watchDebounce collapses the write-then-rename churn atomicwriter.WriteFile
// itself produces (and that many editors produce too) into a single reload.
const watchDebounce = 250 * time.Millisecond

// ScheduleDays is a bitset over days of week, Sunday = bit 0.
type ScheduleDays uint8

// Schedule bounds a policy's active window to a minute-of-day range on a set
// of days.
type Schedule struct {
	StartHHMM  string       `json:"start_hhmm"`
	EndHHMM    string       `json:"end_hhmm"`
	DaysOfWeek ScheduleDays `json:"days_of_week"`
}

// Quotas is accepted and persisted verbatim; enforcement is deferred to
// controller-driven scheduled-shutdown commands (spec §4.H).
type Quotas struct {
	DailyMinutes  int `json:"daily_minutes,omitempty"`
	WeeklyMinutes int `json:"weekly_minutes,omitempty"`
}

// Policy mirrors spec §3's Policy entity.
type Policy struct {
	ID          string    `json:"id"`
	ProcessName string    `json:"process_name"`
	Allowed     bool      `json:"allowed"`
	Schedule    *Schedule `json:"schedule,omitempty"`
	Quotas      *Quotas   `json:"quotas,omitempty"`
	CreatedTS   time.Time `json:"created_ts"`
	UpdatedTS   time.Time `json:"updated_ts"`
}

// OfflineModeSettings mirrors spec §3's Connection State settings sub-object.
type OfflineModeSettings struct {
	DegradedThreshold int           `json:"degraded_threshold"`
	OfflineThreshold  int           `json:"offline_threshold"`
	MaxOfflineDays    int           `json:"max_offline_days"`
	RetryConnecting   time.Duration `json:"retry_connecting"`
	RetryDegraded     time.Duration `json:"retry_degraded"`
	RetryOffline      time.Duration `json:"retry_offline"`
}

// DefaultOfflineModeSettings returns the thresholds named in spec §3.
func DefaultOfflineModeSettings() OfflineModeSettings {
	return OfflineModeSettings{
		DegradedThreshold: 3,
		OfflineThreshold:  15,
		MaxOfflineDays:    7,
		RetryConnecting:   30 * time.Second,
		RetryDegraded:     120 * time.Second,
		RetryOffline:      600 * time.Second,
	}
}

// Document is the full persisted configuration (spec §3 Configuration).
type Document struct {
	AgentID              string              `json:"agent_id"`
	MachineID            string              `json:"machine_id"`
	ControllerHost       string              `json:"controller_host"`
	ControllerPort       int                 `json:"controller_port"`
	ControllerIdentifier string              `json:"controller_identifier"`
	PinnedPublicKey      string              `json:"pinned_public_key"`
	AuthToken            string              `json:"auth_token"`
	CheckIntervalMS      int                 `json:"check_interval_ms"`
	LogLevel             string              `json:"log_level"`
	EnableDiscovery      bool                `json:"enable_discovery"`
	AutoUpdate           bool                `json:"auto_update"`
	Policies             []Policy            `json:"policies"`
	LastSyncTS           *time.Time          `json:"last_sync_ts,omitempty"`
	ConnectionState      string              `json:"connection_state"`
	OfflineModeSettings  OfflineModeSettings `json:"offline_mode_settings"`
	Version              string              `json:"version"`
}

const (
	// MinCheckIntervalMS is the process-monitor floor named in spec §4.K
	// and §8; attempts to set a lower interval are rejected.
	MinCheckIntervalMS = 5000

	fileMode = 0o600
	dirMode  = 0o700
)

// Default returns a fresh, unconfigured document with spec defaults.
func Default() Document {
	return Document{
		CheckIntervalMS:     MinCheckIntervalMS,
		LogLevel:            "info",
		EnableDiscovery:     true,
		AutoUpdate:          true,
		Policies:            []Policy{},
		ConnectionState:     "UNCONFIGURED",
		OfflineModeSettings: DefaultOfflineModeSettings(),
	}
}

// Validate enforces the invariants spec.md states as rejections, not just
// defaults: check_interval_ms below the floor is an error (spec §8).
func (d Document) Validate() error {
	if d.CheckIntervalMS < MinCheckIntervalMS {
		return fmt.Errorf("%w: check_interval_ms %d below minimum %d", errs.ErrConfig, d.CheckIntervalMS, MinCheckIntervalMS)
	}
	return nil
}

// IsConfigured reports whether the document has enough identity to attempt
// contact with a controller (spec §4.F: restart state re-derivation).
func (d Document) IsConfigured() bool {
	return d.ControllerIdentifier != "" && d.PinnedPublicKey != ""
}

// Store owns config.json: atomic load/save with a single in-memory
// snapshot guarded by a mutex. Reads return a copy (lock-free from the
// caller's perspective once returned).
type Store struct {
	path string

	mu  sync.RWMutex
	doc Document
}

// Open loads path if present, or seeds it with Default() if absent. The
// directory is created with 0700 permissions if missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("%w: create config dir: %v", errs.ErrConfig, err)
	}

	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.doc = Default()
		if err := s.save(s.doc); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrConfig, path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errs.ErrConfig, path, err)
	}
	s.doc = doc
	return s, nil
}

// Snapshot returns a copy of the current document. Safe for concurrent use.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Mutate applies fn to a copy of the current document, validates the
// result, persists it atomically, and swaps it in on success. fn's
// returned document's immutable fields (agent_id, pinned_public_key) are
// restored to their prior value if fn attempts to change them, per the
// spec §3 invariant ("pinned_public_key is immutable after provisioning;
// overwrites require a controlled re-pair" — Mutate is the uncontrolled
// path, so it never performs that rotation).
func (s *Store) Mutate(fn func(Document) Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.doc)
	if s.doc.AgentID != "" {
		next.AgentID = s.doc.AgentID
	}
	if s.doc.PinnedPublicKey != "" {
		next.PinnedPublicKey = s.doc.PinnedPublicKey
	}

	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.save(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// Repair bypasses the immutability guard above for a controlled re-pair
// (operator-initiated rotation of pinned_public_key/agent_id).
func (s *Store) Repair(fn func(Document) Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.doc)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.save(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// Watch starts an fsnotify watch on the config file's directory and calls
// onChange with the reloaded document whenever config.json changes on disk
// outside of Mutate/Repair (an operator hand-editing the file, or another
// process replacing it). A write whose content matches the current
// snapshot, as the Store's own saves do, is reloaded without calling
// onChange. It watches the directory rather than the file
// itself so it survives atomicwriter's rename-into-place. The returned
// func stops the watch; it is safe to call once. Watch returns once the
// underlying fsnotify watcher is established; delivery happens on a
// background goroutine until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, onChange func(Document)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: create watcher: %v", errs.ErrConfig, err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("%w: watch %s: %v", errs.ErrConfig, filepath.Dir(s.path), err)
	}

	go s.watchLoop(ctx, watcher, onChange)

	return watcher.Close, nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func(Document)) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := func() {
		before, _ := json.MarshalIndent(s.Snapshot(), "", "  ")
		doc, err := s.reloadFromDisk()
		if err != nil {
			return
		}
		if after, _ := json.MarshalIndent(doc, "", "  "); bytes.Equal(before, after) {
			return
		}
		onChange(doc)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, reload)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// reloadFromDisk re-reads path and swaps it in as the current snapshot,
// returning the newly loaded document.
func (s *Store) reloadFromDisk() (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return doc, nil
}

func (s *Store) save(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", errs.ErrConfig, err)
	}
	if err := atomicwriter.WriteFile(s.path, data, fileMode); err != nil {
		return fmt.Errorf("%w: write %s: %v", errs.ErrConfig, s.path, err)
	}
	return nil
}
