// Package supervisor wires every component into one running agent: leaf
// components first, then the main sync loop, following the startup and
// shutdown sequence of spec §4.O. The main loop shape (errgroup across
// independently-ticking subsystems under one cancelable context) is
// grounded on cmd/pulse-agent/main.go's run().
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agent-core/internal/command"
	"github.com/agentmesh/agent-core/internal/config"
	"github.com/agentmesh/agent-core/internal/connstate"
	"github.com/agentmesh/agent-core/internal/controller"
	"github.com/agentmesh/agent-core/internal/discovery"
	"github.com/agentmesh/agent-core/internal/extension"
	"github.com/agentmesh/agent-core/internal/machineid"
	"github.com/agentmesh/agent-core/internal/metrics"
	"github.com/agentmesh/agent-core/internal/osadapter"
	"github.com/agentmesh/agent-core/internal/policy"
	"github.com/agentmesh/agent-core/internal/procmon"
	"github.com/agentmesh/agent-core/internal/queue"
	"github.com/agentmesh/agent-core/internal/scripthost"
	"github.com/agentmesh/agent-core/internal/statusserver"
	"github.com/agentmesh/agent-core/internal/trust"
	"github.com/agentmesh/agent-core/internal/updater"
)

// Options configures a Supervisor at construction time: everything that
// comes from flags/env rather than the config document.
type Options struct {
	ConfigRoot    string // platform config directory root (spec §6)
	StatusAddr    string
	Version       string
	Platform      string
	ProcessMonInt time.Duration
	Logger        zerolog.Logger

	// Bootstrap* fields seed the Config Store on first run only: once
	// ControllerIdentifier/PinnedPublicKey are persisted, later runs of
	// `agent run` with no flags reuse the stored document unchanged.
	BootstrapControllerHost       string
	BootstrapControllerPort       int
	BootstrapControllerIdentifier string
	BootstrapPinnedPublicKey      string
	BootstrapCheckIntervalMS      int

	// Metrics is the process's private Prometheus registry. If nil, New
	// builds one internally (so callers that don't care, like tests, don't
	// have to). cmd/agent builds its own so it can also attach the
	// registry to the startup logger's LogHook before the Supervisor
	// exists.
	Metrics *metrics.Registry
}

// Supervisor owns every agent component and the main sync loop.
type Supervisor struct {
	opts Options
	log  zerolog.Logger

	cfgStore *config.Store
	osAdapter osadapter.Adapter
	discover  *discovery.Client
	verifier  *trust.Verifier
	state     *connstate.Machine
	telemetry *queue.TelemetryQueue
	responses *queue.ActionResponseQueue
	policies  *policy.Engine
	scripts   *scripthost.Evaluator
	extMgr    *extension.Manager
	procMon   *procmon.Monitor
	ctl       *controller.Client
	cmdProc   *command.Processor
	status    *statusserver.Server
	upd       *updater.Updater
	metrics   *metrics.Registry

	startedAt time.Time

	mu          sync.Mutex
	lastResults []command.Result
}

// New constructs every component in leaf-first order (spec §4.O): Config
// Store and OS Adapter first, then everything that depends on them.
func New(opts Options) (*Supervisor, error) {
	log := opts.Logger

	cfgStore, err := config.Open(filepath.Join(opts.ConfigRoot, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	doc := cfgStore.Snapshot()

	if doc.AgentID == "" {
		if err := cfgStore.Mutate(func(d config.Document) config.Document {
			d.AgentID = uuid.NewString()
			return d
		}); err != nil {
			return nil, fmt.Errorf("mint agent id: %w", err)
		}
		doc = cfgStore.Snapshot()
	}

	if doc.MachineID == "" {
		mid, err := machineid.Derive(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("failed to derive machine id")
		} else if err := cfgStore.Mutate(func(d config.Document) config.Document {
			d.MachineID = mid
			return d
		}); err != nil {
			return nil, fmt.Errorf("persist machine id: %w", err)
		}
		doc = cfgStore.Snapshot()
	}

	if !doc.IsConfigured() && opts.BootstrapControllerIdentifier != "" && opts.BootstrapPinnedPublicKey != "" {
		if err := cfgStore.Mutate(func(d config.Document) config.Document {
			d.ControllerHost = opts.BootstrapControllerHost
			d.ControllerPort = opts.BootstrapControllerPort
			d.ControllerIdentifier = opts.BootstrapControllerIdentifier
			d.PinnedPublicKey = opts.BootstrapPinnedPublicKey
			if opts.BootstrapCheckIntervalMS > 0 {
				d.CheckIntervalMS = opts.BootstrapCheckIntervalMS
			}
			return d
		}); err != nil {
			return nil, fmt.Errorf("persist bootstrap config: %w", err)
		}
		doc = cfgStore.Snapshot()
	}

	osAdapter := osadapter.Native{}

	telemetry, err := queue.OpenTelemetryQueue(filepath.Join(opts.ConfigRoot, "data-queue", "pending.json"), 1000)
	if err != nil {
		return nil, fmt.Errorf("open telemetry queue: %w", err)
	}
	responses, err := queue.OpenActionResponseQueue(filepath.Join(opts.ConfigRoot, "action-responses", "pending.json"))
	if err != nil {
		return nil, fmt.Errorf("open action response queue: %w", err)
	}

	verifier, err := trust.NewVerifier(doc.PinnedPublicKey)
	if err != nil {
		return nil, fmt.Errorf("build trust verifier: %w", err)
	}

	policies := policy.New(cfgStore, doc.Policies)

	metricsReg := opts.Metrics
	if metricsReg == nil {
		metricsReg = metrics.New(opts.Version)
	}

	scripts := scripthost.New()
	scripts.Recorder = metricsReg
	extMgr := extension.New(opts.Platform, scripts, telemetry, responses, &osAdapter, log)

	initialState := connstate.Unconfigured
	if doc.IsConfigured() {
		initialState = stateFromString(doc.ConnectionState)
		if initialState == connstate.Unconfigured {
			initialState = connstate.Connecting
		}
	}

	procInterval := time.Duration(doc.CheckIntervalMS) * time.Millisecond
	if opts.ProcessMonInt > 0 {
		procInterval = opts.ProcessMonInt
	}

	s := &Supervisor{
		opts:      opts,
		log:       log,
		cfgStore:  cfgStore,
		osAdapter: &osAdapter,
		discover:  discovery.New(),
		verifier:  verifier,
		state:     connstate.New(initialState),
		telemetry: telemetry,
		responses: responses,
		policies:  policies,
		scripts:   scripts,
		extMgr:    extMgr,
		metrics:   metricsReg,
		startedAt: time.Now(),
	}

	creds := controller.Credentials{AuthToken: doc.AuthToken, AgentID: doc.AgentID}
	identity := controller.Identity{Version: opts.Version, Platform: opts.Platform, MachineID: doc.MachineID, Hostname: hostnameOrEmpty()}
	s.ctl = controller.New(context.Background(), doc.ControllerHost, doc.ControllerPort, identity, creds, s.persistCredentials)

	s.procMon = procmon.New(procInterval, policies, &osAdapter, violationRecorder{reporter: s.ctl, metrics: metricsReg})

	s.upd = updater.New(updater.Config{CurrentVersion: opts.Version, Disabled: !doc.AutoUpdate}, s.ctl, exitForUpdate(log), log)

	s.cmdProc = command.New(policies, cfgStore, extMgr, s.upd)

	s.status = statusserver.New(opts.StatusAddr, s, s, metricsReg, log)

	return s, nil
}

// violationRecorder wraps the Controller Client's ReportViolation so a
// reported violation is both forwarded upstream and counted locally,
// without procmon needing to know metrics exist.
type violationRecorder struct {
	reporter procmon.ViolationReporter
	metrics  *metrics.Registry
}

func (v violationRecorder) ReportViolation(ctx context.Context, policyID, processName string, pid int32) error {
	v.metrics.RecordViolation(processName)
	return v.reporter.ReportViolation(ctx, policyID, processName, pid)
}

func stateFromString(v string) connstate.State {
	switch v {
	case "CONNECTING":
		return connstate.Connecting
	case "ONLINE":
		return connstate.Online
	case "DEGRADED":
		return connstate.Degraded
	case "OFFLINE":
		return connstate.Offline
	default:
		return connstate.Unconfigured
	}
}

// exitForUpdate builds the updater's ExitFunc: process exit 0, matching
// cmd/pulse-agent's graceful-shutdown exit code, so an external installer
// can replace the binary while the service manager restarts it clean
// (spec §9).
func exitForUpdate(log zerolog.Logger) updater.ExitFunc {
	return func() {
		log.Info().Msg("exiting for update installer")
		os.Exit(0)
	}
}

func hostnameOrEmpty() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// onConfigChanged runs when config.json changes on disk outside of
// Mutate/Repair (an operator hand-editing policies, typically). It
// reconciles the policy engine against the freshly loaded document so an
// edit takes effect before the next controller sync cycle.
func (s *Supervisor) onConfigChanged(doc config.Document) {
	if err := s.policies.Reconcile(doc.Policies); err != nil {
		s.log.Warn().Err(err).Msg("failed to reconcile policies after config file change")
		return
	}
	s.log.Info().Int("policy_count", len(doc.Policies)).Msg("reloaded policies from config file change")
}

func (s *Supervisor) persistCredentials(creds controller.Credentials) {
	if err := s.cfgStore.Mutate(func(d config.Document) config.Document {
		d.AuthToken = creds.AuthToken
		return d
	}); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist upgraded credentials")
	}
}

// Run installs signal handling internally is the caller's job (cmd/agent
// owns signal.NotifyContext); Run blocks until ctx is cancelled or a
// subsystem fails fatally.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := s.status.Start(ctx); err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	stopWatch, err := s.cfgStore.Watch(ctx, s.onConfigChanged)
	if err != nil {
		s.log.Warn().Err(err).Msg("config file watch unavailable, falling back to sync-loop polling only")
	} else {
		defer stopWatch()
	}

	g.Go(func() error {
		s.upd.RunLoop(ctx)
		return nil
	})

	g.Go(func() error {
		return s.procMon.Run(ctx)
	})

	g.Go(func() error {
		s.runSyncLoop(ctx)
		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.extMgr.Shutdown()
	_ = s.status.Shutdown(shutdownCtx)

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// runSyncLoop is the main sync loop: discovery -> verify -> sync_policies
// -> upload_plugin_data -> poll_commands -> dispatch, waking on the state
// machine's current retry interval (spec §5).
func (s *Supervisor) runSyncLoop(ctx context.Context) {
	for {
		interval := s.syncOnce(ctx)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) syncOnce(ctx context.Context) time.Duration {
	now := time.Now()
	doc := s.cfgStore.Snapshot()

	if !doc.IsConfigured() {
		return s.state.RetryInterval(0)
	}

	if doc.EnableDiscovery && doc.ControllerIdentifier != "" {
		if ep, err := s.discover.Browse(ctx, doc.ControllerIdentifier); err == nil {
			if ep.Host != doc.ControllerHost || ep.Port != doc.ControllerPort {
				_ = s.cfgStore.Mutate(func(d config.Document) config.Document {
					d.ControllerHost, d.ControllerPort = ep.Host, ep.Port
					return d
				})
			}
		}
	}

	if err := s.verifyController(ctx, now); err != nil {
		snap := s.state.OnFailure(now)
		s.metrics.RecordSync("verify_failed")
		s.log.Warn().Err(err).Str("state", string(snap.State)).Msg("sync cycle failed verification")
		return s.state.RetryInterval(time.Duration(doc.CheckIntervalMS) * time.Millisecond)
	}

	if err := s.syncPolicies(ctx); err != nil {
		snap := s.state.OnFailure(now)
		s.metrics.RecordSync("policy_sync_failed")
		s.log.Warn().Err(err).Str("state", string(snap.State)).Msg("policy sync failed")
		return s.state.RetryInterval(time.Duration(doc.CheckIntervalMS) * time.Millisecond)
	}

	if err := s.uploadPluginData(ctx); err != nil {
		s.log.Warn().Err(err).Msg("plugin data upload failed")
	}
	s.metrics.SetQueueDepth(len(s.telemetry.Pending()) + len(s.responses.Pending()))

	s.pollAndDispatch(ctx)

	snap, recovered := s.state.OnSuccess(now)
	if recovered > 0 {
		if err := s.ctl.Heartbeat(ctx, map[string]any{
			"offline_recovery":    true,
			"offline_duration_ms": recovered.Milliseconds(),
		}); err != nil {
			s.log.Warn().Err(err).Msg("offline recovery heartbeat failed")
		}
	}
	s.metrics.RecordSync("ok")
	_ = s.cfgStore.Mutate(func(d config.Document) config.Document {
		d.ConnectionState = string(snap.State)
		t := now
		d.LastSyncTS = &t
		return d
	})

	return s.state.RetryInterval(time.Duration(doc.CheckIntervalMS) * time.Millisecond)
}

func (s *Supervisor) verifyController(ctx context.Context, now time.Time) error {
	if s.verifier.Valid(now) {
		return nil
	}

	nonce, tsMS, sig, _, err := s.ctl.Handshake(ctx)
	if err != nil {
		return err
	}

	return s.verifier.Verify(trust.Handshake{Nonce: nonce, TimestampMS: tsMS, Signature: sig}, now)
}

func (s *Supervisor) syncPolicies(ctx context.Context) error {
	result, err := s.ctl.SyncPolicies(ctx)
	if err != nil {
		return err
	}

	remote := make([]config.Policy, 0, len(result.Policies))
	for _, raw := range result.Policies {
		var p config.Policy
		if err := json.Unmarshal(raw, &p); err == nil {
			remote = append(remote, p)
		}
	}
	return s.policies.Reconcile(remote)
}

func (s *Supervisor) uploadPluginData(ctx context.Context) error {
	telemetryPending := s.telemetry.Pending()
	responsePending := s.responses.Pending()
	if len(telemetryPending) == 0 && len(responsePending) == 0 {
		return nil
	}

	if err := s.ctl.UploadPluginData(ctx, telemetryPending, responsePending); err != nil {
		return err
	}

	keys := make([]queue.Key, 0, len(telemetryPending))
	for _, e := range telemetryPending {
		keys = append(keys, queue.Key{PluginID: e.PluginID, ArtifactID: e.ArtifactID})
	}
	_ = s.telemetry.Ack(keys)

	triggerIDs := make([]string, 0, len(responsePending))
	for _, r := range responsePending {
		triggerIDs = append(triggerIDs, r.TriggerID)
	}
	_ = s.responses.Ack(triggerIDs)

	return nil
}

func (s *Supervisor) pollAndDispatch(ctx context.Context) {
	raw, err := s.ctl.PollCommands(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("poll commands failed")
		return
	}
	if len(raw) == 0 {
		return
	}

	cmds := make([]command.Command, 0, len(raw))
	for _, r := range raw {
		var c command.Command
		if err := json.Unmarshal(r, &c); err == nil {
			cmds = append(cmds, c)
		}
	}

	results := s.cmdProc.Dispatch(ctx, cmds)
	s.mu.Lock()
	s.lastResults = results
	s.mu.Unlock()
}

// Status implements statusserver.StatusProvider.
func (s *Supervisor) Status() statusserver.Status {
	doc := s.cfgStore.Snapshot()
	snap := s.state.Snapshot()

	var lastSync string
	if doc.LastSyncTS != nil {
		lastSync = doc.LastSyncTS.Format(time.RFC3339)
	}

	return statusserver.Status{
		ConnectionState: string(snap.State),
		LastSyncTS:      lastSync,
		Configured:      doc.IsConfigured(),
		Monitoring:      true,
		PolicyCount:     len(s.policies.All()),
		MonitorCount:    len(s.extMgr.Monitors()),
		ActionCount:     len(s.extMgr.Actions()),
		Version:         s.opts.Version,
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		Hostname:        hostnameOrEmpty(),
		AgentID:         doc.AgentID,
	}
}

// Sync implements statusserver.CommandHandler by forcing an out-of-band
// sync cycle.
func (s *Supervisor) Sync(ctx context.Context) error {
	s.syncOnce(ctx)
	return nil
}

// RestartMonitoring implements statusserver.CommandHandler. The Process
// Monitor's own ticker already self-heals; this is a no-op placeholder for
// the helper's restart affordance since the monitor has no stop/start
// toggle exposed beyond process lifetime.
func (s *Supervisor) RestartMonitoring(ctx context.Context) error {
	return nil
}

// CheckUpdate implements statusserver.CommandHandler.
func (s *Supervisor) CheckUpdate(ctx context.Context) error {
	return s.upd.CheckNow(ctx)
}

// GetPolicies implements statusserver.CommandHandler.
func (s *Supervisor) GetPolicies() []config.Policy {
	return s.policies.All()
}

// GetProcesses implements statusserver.CommandHandler.
func (s *Supervisor) GetProcesses() ([]string, error) {
	procs, err := s.osAdapter.Enumerate(context.Background())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		names = append(names, p.Name)
	}
	return names, nil
}
