// Package command dispatches commands pulled by the Controller Client to
// the Policy Engine, Extension Manager, or updater, with an idempotency
// window guarding against re-delivery (spec §4.M).
package command

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentmesh/agent-core/internal/config"
	"github.com/agentmesh/agent-core/internal/extension"
)

// Idempotency set bounds named in spec §4.M.
const (
	idempotencyCapacity = 1000
	idempotencyPruneTo  = 500
)

// Whitelisted UPDATE_CONFIG fields (spec §4.M); any other field present
// in the payload is ignored.
var updateConfigWhitelist = map[string]struct{}{
	"check_interval_ms": {},
	"log_level":         {},
	"enable_discovery":  {},
	"auto_update":       {},
}

// Command is one pulled command envelope.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Result is the outcome reported back for one processed command.
type Result struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Skipped   bool   `json:"skipped,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PolicyEngine is the narrow surface the processor needs from
// internal/policy.Engine.
type PolicyEngine interface {
	Reconcile(remote []config.Policy) error
}

// ConfigMutator is the narrow surface the processor needs from
// internal/config.Store for UPDATE_CONFIG.
type ConfigMutator interface {
	Mutate(fn func(config.Document) config.Document) error
}

// Updater is the narrow surface the processor needs from the updater
// collaborator for UPDATE_AVAILABLE.
type Updater interface {
	CheckNow(ctx context.Context) error
	Apply(ctx context.Context) error
}

// ExtensionManager is the narrow surface the processor needs from
// internal/extension.Manager.
type ExtensionManager interface {
	DeployMonitor(a extension.Artifact) error
	DeployAction(a extension.Artifact) error
	TriggerAction(pluginID, actionID, triggerID string, args map[string]any)
	RemoveMonitor(pluginID, artifactID string)
	RemoveAction(pluginID, artifactID string)
	ScheduleShutdown(req extension.ShutdownRequest)
	CancelShutdown()
}

// Processor dispatches commands and tracks a bounded idempotency window.
type Processor struct {
	policies  PolicyEngine
	cfg       ConfigMutator
	extension ExtensionManager
	updater   Updater

	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List // front = oldest
}

// New builds a Processor.
func New(policies PolicyEngine, cfg ConfigMutator, ext ExtensionManager, upd Updater) *Processor {
	return &Processor{
		policies:  policies,
		cfg:       cfg,
		extension: ext,
		updater:   upd,
		seen:      make(map[string]*list.Element),
		order:     list.New(),
	}
}

// Dispatch processes a batch of commands strictly sequentially, per spec
// §5's ordering guarantee.
func (p *Processor) Dispatch(ctx context.Context, cmds []Command) []Result {
	results := make([]Result, 0, len(cmds))
	for _, c := range cmds {
		results = append(results, p.dispatchOne(ctx, c))
	}
	return results
}

func (p *Processor) dispatchOne(ctx context.Context, c Command) Result {
	if p.markSeen(c.ID) {
		return Result{CommandID: c.ID, Success: true, Skipped: true}
	}

	switch c.Type {
	case "POLICY_UPDATE":
		return p.handlePolicyUpdate(c)
	case "DEPLOY_MONITOR":
		return p.handleDeployMonitor(c)
	case "DEPLOY_ACTION":
		return p.handleDeployAction(c)
	case "TRIGGER_ACTION":
		return p.handleTriggerAction(c)
	case "REMOVE_MONITOR":
		return p.handleRemoveMonitor(c)
	case "REMOVE_ACTION":
		return p.handleRemoveAction(c)
	case "UPDATE_CONFIG":
		return p.handleUpdateConfig(c)
	case "UPDATE_AVAILABLE":
		return p.handleUpdateAvailable(ctx, c)
	default:
		return Result{CommandID: c.ID, Success: false, Result: map[string]any{"handled": false}}
	}
}

// markSeen records id in the idempotency window and reports whether it
// was already present (a duplicate).
func (p *Processor) markSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[id]; dup {
		return true
	}

	el := p.order.PushBack(id)
	p.seen[id] = el

	if p.order.Len() > idempotencyCapacity {
		p.pruneLocked()
	}
	return false
}

func (p *Processor) pruneLocked() {
	for p.order.Len() > idempotencyPruneTo {
		front := p.order.Front()
		if front == nil {
			return
		}
		p.order.Remove(front)
		delete(p.seen, front.Value.(string))
	}
}

func (p *Processor) handlePolicyUpdate(c Command) Result {
	var body struct {
		Policies []config.Policy `json:"policies"`
	}
	if err := json.Unmarshal(c.Payload, &body); err != nil {
		return fail(c.ID, err)
	}
	if err := p.policies.Reconcile(body.Policies); err != nil {
		return fail(c.ID, err)
	}
	return ok(c.ID, nil)
}

func (p *Processor) handleDeployMonitor(c Command) Result {
	var a extension.Artifact
	if err := json.Unmarshal(c.Payload, &a); err != nil {
		return fail(c.ID, err)
	}
	if err := p.extension.DeployMonitor(a); err != nil {
		return fail(c.ID, err)
	}
	return ok(c.ID, nil)
}

func (p *Processor) handleDeployAction(c Command) Result {
	var a extension.Artifact
	if err := json.Unmarshal(c.Payload, &a); err != nil {
		return fail(c.ID, err)
	}
	if err := p.extension.DeployAction(a); err != nil {
		return fail(c.ID, err)
	}
	return ok(c.ID, nil)
}

// scheduleShutdownActionID/cancelShutdownActionID are the natively
// implemented action_ids of spec §4.J: the shutdown scheduler lives in
// the Extension Manager, not in a deployed script artifact, so they are
// special-cased ahead of the generic TriggerAction dispatch.
const (
	scheduleShutdownActionID = "schedule-shutdown"
	cancelShutdownActionID   = "cancel-shutdown"
)

func (p *Processor) handleTriggerAction(c Command) Result {
	var body struct {
		PluginID  string          `json:"plugin_id"`
		ActionID  string          `json:"action_id"`
		TriggerID string          `json:"trigger_id"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(c.Payload, &body); err != nil {
		return fail(c.ID, err)
	}

	switch body.ActionID {
	case scheduleShutdownActionID:
		return p.handleScheduleShutdown(c.ID, body.Arguments)
	case cancelShutdownActionID:
		p.extension.CancelShutdown()
		return ok(c.ID, nil)
	}

	var args map[string]any
	if len(body.Arguments) > 0 {
		if err := json.Unmarshal(body.Arguments, &args); err != nil {
			return fail(c.ID, err)
		}
	}
	p.extension.TriggerAction(body.PluginID, body.ActionID, body.TriggerID, args)
	return ok(c.ID, nil)
}

func (p *Processor) handleScheduleShutdown(id string, raw json.RawMessage) Result {
	var req struct {
		ShutdownTS          time.Time `json:"shutdown_ts"`
		ProcessName         string    `json:"process_name"`
		WarningIntervalsMin []int     `json:"warning_intervals_min"`
		Reason              string    `json:"reason"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(id, err)
	}
	p.extension.ScheduleShutdown(extension.ShutdownRequest{
		ShutdownTS:          req.ShutdownTS,
		ProcessName:         req.ProcessName,
		WarningIntervalsMin: req.WarningIntervalsMin,
		Reason:              req.Reason,
	})
	return ok(id, nil)
}

func (p *Processor) handleRemoveMonitor(c Command) Result {
	var body struct {
		PluginID   string `json:"plugin_id"`
		ArtifactID string `json:"artifact_id"`
	}
	if err := json.Unmarshal(c.Payload, &body); err != nil {
		return fail(c.ID, err)
	}
	p.extension.RemoveMonitor(body.PluginID, body.ArtifactID)
	return ok(c.ID, nil)
}

func (p *Processor) handleRemoveAction(c Command) Result {
	var body struct {
		PluginID   string `json:"plugin_id"`
		ArtifactID string `json:"artifact_id"`
	}
	if err := json.Unmarshal(c.Payload, &body); err != nil {
		return fail(c.ID, err)
	}
	p.extension.RemoveAction(body.PluginID, body.ArtifactID)
	return ok(c.ID, nil)
}

func (p *Processor) handleUpdateConfig(c Command) Result {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.Payload, &fields); err != nil {
		return fail(c.ID, err)
	}

	err := p.cfg.Mutate(func(d config.Document) config.Document {
		for field, raw := range fields {
			if _, allowed := updateConfigWhitelist[field]; !allowed {
				continue
			}
			applyConfigField(&d, field, raw)
		}
		return d
	})
	if err != nil {
		return fail(c.ID, err)
	}
	return ok(c.ID, nil)
}

func applyConfigField(d *config.Document, field string, raw json.RawMessage) {
	switch field {
	case "check_interval_ms":
		var v int
		if json.Unmarshal(raw, &v) == nil {
			d.CheckIntervalMS = v
		}
	case "log_level":
		var v string
		if json.Unmarshal(raw, &v) == nil {
			d.LogLevel = v
		}
	case "enable_discovery":
		var v bool
		if json.Unmarshal(raw, &v) == nil {
			d.EnableDiscovery = v
		}
	case "auto_update":
		var v bool
		if json.Unmarshal(raw, &v) == nil {
			d.AutoUpdate = v
		}
	}
}

func (p *Processor) handleUpdateAvailable(ctx context.Context, c Command) Result {
	var body struct {
		AutoApply *bool `json:"auto_apply"`
	}
	_ = json.Unmarshal(c.Payload, &body)

	if body.AutoApply == nil || *body.AutoApply {
		if err := p.updater.Apply(ctx); err != nil {
			return fail(c.ID, err)
		}
	}
	return ok(c.ID, nil)
}

func ok(id string, result any) Result {
	return Result{CommandID: id, Success: true, Result: result}
}

func fail(id string, err error) Result {
	return Result{CommandID: id, Success: false, Error: err.Error()}
}
