// Package extension manages the lifecycle of controller-supplied monitor
// and action artifacts: deploy, tick, trigger, remove, and the natively
// implemented scheduled-shutdown action pattern (spec §4.J).
package extension

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmesh/agent-core/internal/errs"
	"github.com/agentmesh/agent-core/internal/osadapter"
	"github.com/agentmesh/agent-core/internal/queue"
	"github.com/agentmesh/agent-core/internal/scripthost"
)

// Artifact is a deployed monitor or action. The Manager keeps artifacts in
// memory only; they are not written to plugins/*.json.
type Artifact struct {
	PluginID   string   `json:"plugin_id"`
	ArtifactID string   `json:"artifact_id"`
	Source     string   `json:"source"` // base64-encoded
	Checksum   string   `json:"checksum"`
	Platforms  []string `json:"platforms"`
	IntervalMS int      `json:"interval_ms,omitempty"` // monitors only
}

// Evaluator is the narrow Script Host surface the manager needs.
type Evaluator interface {
	Evaluate(ctx context.Context, source string, args map[string]any) (scripthost.Result, error)
}

// Clock abstracts time.AfterFunc/time.Now so tests can control scheduling
// deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *time.Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *time.Timer { return time.AfterFunc(d, f) }

// ShutdownRequest is the schedule-shutdown command payload (spec §4.J).
type ShutdownRequest struct {
	ShutdownTS         time.Time
	ProcessName        string
	WarningIntervalsMin []int
	Reason             string
}

// Manager owns monitor/action artifacts, their timers, and scheduled
// shutdowns.
type Manager struct {
	platform  string
	evaluator Evaluator
	telemetry *queue.TelemetryQueue
	responses *queue.ActionResponseQueue
	osAdapter osadapter.Adapter
	log       zerolog.Logger
	clock     Clock

	mu       sync.Mutex
	monitors map[string]Artifact // key: pluginID+"/"+artifactID
	actions  map[string]Artifact
	timers   map[string]*time.Timer

	debounce *time.Timer

	shutdownMu     sync.Mutex
	shutdownTimers []*time.Timer
}

// New builds a Manager. The monitor and action registries are held only in
// memory and are not persisted, so deployed artifacts do not survive a
// restart; only the queues it enqueues to are on disk.
func New(platform string, evaluator Evaluator, telemetry *queue.TelemetryQueue, responses *queue.ActionResponseQueue, osAdapter osadapter.Adapter, log zerolog.Logger) *Manager {
	return &Manager{
		platform:  platform,
		evaluator: evaluator,
		telemetry: telemetry,
		responses: responses,
		osAdapter: osAdapter,
		log:       log,
		clock:     realClock{},
		monitors:  make(map[string]Artifact),
		actions:   make(map[string]Artifact),
		timers:    make(map[string]*time.Timer),
	}
}

func key(pluginID, artifactID string) string { return pluginID + "/" + artifactID }

// DeployMonitor validates, registers (in memory), and starts the tick timer
// for a monitor artifact.
func (m *Manager) DeployMonitor(a Artifact) error {
	if err := m.validate(a); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(a.PluginID, a.ArtifactID)
	if t, ok := m.timers[k]; ok {
		t.Stop()
	}
	m.monitors[k] = a

	interval := time.Duration(a.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	m.timers[k] = m.clock.AfterFunc(interval, func() { m.tickLoop(k, interval) })

	return nil
}

func (m *Manager) tickLoop(k string, interval time.Duration) {
	m.mu.Lock()
	a, ok := m.monitors[k]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.ExecuteMonitorTick(a)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, stillDeployed := m.monitors[k]; stillDeployed {
		m.timers[k] = m.clock.AfterFunc(interval, func() { m.tickLoop(k, interval) })
	}
}

// DeployAction validates and registers (in memory) an action artifact;
// actions have no timer, they are demand-triggered.
func (m *Manager) DeployAction(a Artifact) error {
	if err := m.validate(a); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[key(a.PluginID, a.ArtifactID)] = a
	return nil
}

func (m *Manager) validate(a Artifact) error {
	if !platformSupported(a.Platforms, m.platform) {
		return fmt.Errorf("%w: %s not in %v", errs.ErrUnsupportedPlatform, m.platform, a.Platforms)
	}

	decoded, err := base64.StdEncoding.DecodeString(a.Source)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidEncoding, err)
	}

	sum := sha256.Sum256(decoded)
	if hex.EncodeToString(sum[:]) != a.Checksum {
		return errs.ErrChecksumMismatch
	}

	return nil
}

func platformSupported(platforms []string, current string) bool {
	if len(platforms) == 0 {
		return true
	}
	for _, p := range platforms {
		if p == current {
			return true
		}
	}
	return false
}

// ExecuteMonitorTick runs a monitor once and enqueues its result (or
// error) as a telemetry entry. Tick failures never stop future ticks.
func (m *Manager) ExecuteMonitorTick(a Artifact) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	decoded, err := base64.StdEncoding.DecodeString(a.Source)
	if err != nil {
		m.enqueueTelemetry(a, nil, err)
		return
	}

	res, err := m.evaluator.Evaluate(ctx, string(decoded), map[string]any{})
	m.enqueueTelemetry(a, res.Value, err)
}

func (m *Manager) enqueueTelemetry(a Artifact, value any, evalErr error) {
	var payload json.RawMessage
	if evalErr != nil {
		payload, _ = json.Marshal(map[string]any{"error": evalErr.Error()})
	} else {
		payload, _ = json.Marshal(map[string]any{"result": value})
	}

	if err := m.telemetry.Append(queue.TelemetryEntry{
		PluginID:   a.PluginID,
		ArtifactID: a.ArtifactID,
		Payload:    payload,
	}); err != nil {
		m.log.Error().Err(err).Str("plugin_id", a.PluginID).Str("artifact_id", a.ArtifactID).Msg("failed to enqueue telemetry")
	}
}

// TriggerAction looks up an action by (pluginID, actionID) and evaluates
// it, always producing exactly one ActionResponse for triggerID.
func (m *Manager) TriggerAction(pluginID, actionID, triggerID string, args map[string]any) {
	m.mu.Lock()
	a, ok := m.actions[key(pluginID, actionID)]
	m.mu.Unlock()

	if !ok {
		m.enqueueResponse(triggerID, nil, fmt.Errorf("action not deployed"))
		m.rearmDebounce()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	decoded, err := base64.StdEncoding.DecodeString(a.Source)
	if err != nil {
		m.enqueueResponse(triggerID, nil, err)
		m.rearmDebounce()
		return
	}

	res, err := m.evaluator.Evaluate(ctx, string(decoded), args)
	m.enqueueResponse(triggerID, res.Value, err)
	m.rearmDebounce()
}

func (m *Manager) enqueueResponse(triggerID string, value any, evalErr error) {
	var payload json.RawMessage
	if evalErr != nil {
		payload, _ = json.Marshal(map[string]any{"success": false, "error": evalErr.Error()})
	} else {
		payload, _ = json.Marshal(map[string]any{"success": true, "result": value})
	}

	if err := m.responses.Append(queue.ActionResponse{TriggerID: triggerID, Payload: payload}); err != nil {
		m.log.Error().Err(err).Str("trigger_id", triggerID).Msg("failed to enqueue action response")
	}
}

// rearmDebounce restarts the 2s observability-only debounce timer. It
// never gates queue visibility: responses are appended synchronously
// above regardless of this timer's state.
func (m *Manager) rearmDebounce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = m.clock.AfterFunc(2*time.Second, func() {
		m.log.Debug().Msg("action response debounce window elapsed")
	})
}

// RemoveMonitor stops the timer and deletes the registry entry.
func (m *Manager) RemoveMonitor(pluginID, artifactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(pluginID, artifactID)
	if t, ok := m.timers[k]; ok {
		t.Stop()
		delete(m.timers, k)
	}
	delete(m.monitors, k)
}

// RemoveAction deletes the registry entry.
func (m *Manager) RemoveAction(pluginID, artifactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, key(pluginID, artifactID))
}

// Monitors returns a snapshot of deployed monitor artifacts.
func (m *Manager) Monitors() []Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Artifact, 0, len(m.monitors))
	for _, a := range m.monitors {
		out = append(out, a)
	}
	return out
}

// Actions returns a snapshot of deployed action artifacts.
func (m *Manager) Actions() []Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Artifact, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, a)
	}
	return out
}

// ScheduleShutdown cancels any prior schedule and arms warning and
// termination timers. It works while OFFLINE because the timers are
// entirely local once armed.
func (m *Manager) ScheduleShutdown(req ShutdownRequest) {
	m.CancelShutdown()

	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()

	now := m.clock.Now()
	for _, minutes := range req.WarningIntervalsMin {
		fireAt := req.ShutdownTS.Add(-time.Duration(minutes) * time.Minute)
		if fireAt.Before(now) {
			continue
		}
		delay := fireAt.Sub(now)
		minutesCopy := minutes
		m.shutdownTimers = append(m.shutdownTimers, m.clock.AfterFunc(delay, func() {
			m.log.Warn().Str("process_name", req.ProcessName).Int("minutes_remaining", minutesCopy).Str("reason", req.Reason).Msg("scheduled shutdown warning")
		}))
	}

	termDelay := req.ShutdownTS.Sub(now)
	if termDelay < 0 {
		termDelay = 0
	}
	m.shutdownTimers = append(m.shutdownTimers, m.clock.AfterFunc(termDelay, func() {
		m.runScheduledTermination(req.ProcessName)
	}))
}

func (m *Manager) runScheduledTermination(processName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	matches, err := m.osAdapter.MatchByName(ctx, processName)
	if err != nil {
		m.log.Error().Err(err).Str("process_name", processName).Msg("scheduled shutdown: enumerate failed")
		return
	}
	for _, p := range matches {
		if err := m.osAdapter.Terminate(ctx, p.PID, 5*time.Second); err != nil {
			m.log.Error().Err(err).Int32("pid", p.PID).Msg("scheduled shutdown: terminate failed")
		}
	}
}

// CancelShutdown clears all pending scheduled-shutdown timers.
func (m *Manager) CancelShutdown() {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()

	for _, t := range m.shutdownTimers {
		t.Stop()
	}
	m.shutdownTimers = nil
}

// Shutdown stops every monitor timer and the debounce timer (spec §4.O:
// "flush/shutdown the Extension Manager: stop timers, persist queues").
// Queue persistence itself is handled by the queues, which persist
// synchronously on every Append.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.timers {
		t.Stop()
	}
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.CancelShutdown()
}
