// Package updater is a thin adapter satisfying the Command Processor's and
// Supervisor's narrow Updater interface over update-check logic shaped
// after internal/agentupdate.Updater.RunLoop: a mutex-guarded
// single-flight check, an initial delay, then a steady ticker. The
// binary-replacement installer itself is an external collaborator (spec
// §1 non-goal); Apply's contract ends at signaling the supervisor to exit
// so that installer can take over.
package updater

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmesh/agent-core/internal/version"
)

const (
	defaultCheckInterval = time.Hour
	defaultInitialDelay  = 5 * time.Second
)

// VersionSource fetches the latest version the controller advertises.
// Satisfied by internal/controller.Client's version-check call.
type VersionSource interface {
	LatestVersion(ctx context.Context) (string, error)
}

// ExitFunc ends the agent process (the supervisor's exitForUpdate calls
// os.Exit(0) without a graceful shutdown) so an external installer can
// replace the binary (spec §9: "exit to let updater take over").
type ExitFunc func()

// Config configures an Updater.
type Config struct {
	CurrentVersion string
	CheckInterval  time.Duration
	Disabled       bool
}

// Updater checks for and applies agent updates.
type Updater struct {
	cfg      Config
	source   VersionSource
	exit     ExitFunc
	log      zerolog.Logger
	newTimer func(d time.Duration) *time.Timer

	mu        sync.Mutex
	checking  bool
	available string
}

// New builds an Updater. exit is called by Apply once an update is
// confirmed available and should be applied.
func New(cfg Config, source VersionSource, exit ExitFunc, log zerolog.Logger) *Updater {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	return &Updater{
		cfg:      cfg,
		source:   source,
		exit:     exit,
		log:      log.With().Str("component", "updater").Logger(),
		newTimer: time.NewTimer,
	}
}

// RunLoop blocks, checking for updates on a ticker until ctx is cancelled.
func (u *Updater) RunLoop(ctx context.Context) {
	if u.cfg.Disabled {
		u.log.Info().Msg("auto-update disabled")
		return
	}

	timer := u.newTimer(defaultInitialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		if err := u.CheckNow(ctx); err != nil {
			u.log.Warn().Err(err).Msg("update check failed")
		}
	}

	ticker := time.NewTicker(u.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.CheckNow(ctx); err != nil {
				u.log.Warn().Err(err).Msg("update check failed")
			}
		}
	}
}

// CheckNow queries the version source once. Concurrent calls collapse
// into a single in-flight check, matching the teacher's
// startCheck/finishCheck single-flight guard.
func (u *Updater) CheckNow(ctx context.Context) error {
	if !u.startCheck() {
		return nil
	}
	defer u.finishCheck()

	if u.cfg.Disabled {
		return nil
	}

	latest, err := u.source.LatestVersion(ctx)
	if err != nil {
		return err
	}

	if version.Compare(latest, u.cfg.CurrentVersion) <= 0 {
		u.log.Debug().Str("version", u.cfg.CurrentVersion).Msg("agent is up to date")
		u.setAvailable("")
		return nil
	}

	u.log.Info().Str("current", u.cfg.CurrentVersion).Str("available", latest).Msg("new agent version available")
	u.setAvailable(latest)
	return nil
}

// Apply exits the process if an update was confirmed available by a prior
// CheckNow, letting the external installer replace the binary.
func (u *Updater) Apply(ctx context.Context) error {
	u.mu.Lock()
	pending := u.available
	u.mu.Unlock()

	if pending == "" {
		return nil
	}

	u.log.Info().Str("version", pending).Msg("exiting for update installer")
	if u.exit != nil {
		u.exit()
	}
	return nil
}

func (u *Updater) startCheck() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.checking {
		return false
	}
	u.checking = true
	return true
}

func (u *Updater) finishCheck() {
	u.mu.Lock()
	u.checking = false
	u.mu.Unlock()
}

func (u *Updater) setAvailable(v string) {
	u.mu.Lock()
	u.available = v
	u.mu.Unlock()
}
