// services/release.go - release lifecycle: stage, swap, prune, roll back
package services

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shipyard/common"
	"shipyard/utils"
)

// DeployState tracks the deploy state machine:
// PREFLIGHT -> STAGING -> RENDERED -> SWAPPED -> PRUNED, with FAILED reachable
// from any state and ROLLED_BACK terminal after a post-swap failure.
type DeployState string

const (
	StatePreflight  DeployState = "PREFLIGHT"
	StateStaging    DeployState = "STAGING"
	StateRendered   DeployState = "RENDERED"
	StateSwapped    DeployState = "SWAPPED"
	StatePruned     DeployState = "PRUNED"
	StateFailed     DeployState = "FAILED"
	StateRolledBack DeployState = "ROLLED_BACK"
)

// DeployResult reports where a deploy ended up.
type DeployResult struct {
	State      DeployState
	ReleaseID  string
	Previous   string
	RolledBack bool
}

// Manager owns the on-target release tree. Releases are immutable once cut
// over to; every change is a new timestamped directory and an atomic pointer
// swap.
type Manager struct {
	cfg  common.Config
	exec utils.Executor
	sup  Supervisor
	log  zerolog.Logger
	now  func() time.Time
}

// NewManager wires a release manager to a connected executor and supervisor.
func NewManager(cfg common.Config, exec utils.Executor, sup Supervisor, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, exec: exec, sup: sup, log: log, now: time.Now}
}

const releaseIDFormat = "20060102T150405"

// Deploy runs the full state machine. With checkOnly the deploy stops after
// RENDERED: the staged directory is uploaded, verified and removed again, and
// the pointer is never touched.
func (m *Manager) Deploy(ctx context.Context, rendered *RenderedRelease, checkOnly bool) (*DeployResult, error) {
	opID := uuid.NewString()
	log := m.log.With().Str("op", opID).Logger()

	if res, err := m.exec.Run(ctx, "mkdir -p "+utils.ShellQuote(m.cfg.ReleasesDir())); err != nil {
		return &DeployResult{State: StateFailed}, err
	} else if !res.Ok() {
		return &DeployResult{State: StateFailed},
			common.E(common.KindInternal, "cannot create %s: %s", m.cfg.ReleasesDir(), strings.TrimSpace(res.Stderr))
	}

	if err := m.acquireLock(ctx, opID); err != nil {
		return &DeployResult{State: StateFailed}, err
	}
	// The lock is released on every exit path, including operator interrupt,
	// so a follow-up deploy is never blocked by a finished one.
	defer m.releaseLock()

	previous, err := m.CurrentRelease(ctx)
	if err != nil {
		return &DeployResult{State: StateFailed}, err
	}

	releaseID, err := m.newReleaseID(ctx)
	if err != nil {
		return &DeployResult{State: StateFailed}, err
	}
	stageDir := m.cfg.ReleasesDir() + "/" + releaseID
	log.Info().Str("release", releaseID).Str("previous", previous).Msg("staging release")

	if res, err := m.exec.Run(ctx, "mkdir "+utils.ShellQuote(stageDir)); err != nil {
		return &DeployResult{State: StateFailed}, err
	} else if !res.Ok() {
		return &DeployResult{State: StateFailed},
			common.E(common.KindInternal, "cannot stage release %s: %s", releaseID, strings.TrimSpace(res.Stderr))
	}

	if err := m.uploadRelease(ctx, stageDir, rendered); err != nil {
		m.removeDir(stageDir)
		return &DeployResult{State: StateFailed, ReleaseID: releaseID}, err
	}

	if checkOnly {
		m.removeDir(stageDir)
		log.Info().Str("release", releaseID).Msg("check mode: rendered and verified, no swap")
		return &DeployResult{State: StateRendered, ReleaseID: releaseID, Previous: previous}, nil
	}

	// Pre-swap cancellation leaves the pointer untouched.
	if err := ctx.Err(); err != nil {
		m.removeDir(stageDir)
		return &DeployResult{State: StateFailed, ReleaseID: releaseID}, common.Wrap(common.KindInternal, err)
	}

	if err := m.swapTo(ctx, releaseID); err != nil {
		m.removeDir(stageDir)
		return &DeployResult{State: StateFailed, ReleaseID: releaseID}, err
	}
	log.Info().Str("release", releaseID).Msg("pointer swapped")

	if err := m.sup.Up(ctx, m.cfg.CurrentLink()); err != nil {
		upErr := common.Wrap(common.KindSwap, err)
		if previous == "" {
			// Fresh target: nothing to roll back to. The pointer must stay
			// resolvable, so it remains on the failed release.
			log.Error().Err(err).Msg("service start failed with no previous release")
			return &DeployResult{State: StateFailed, ReleaseID: releaseID}, upErr
		}
		// The failed release directory is retained for postmortem inspection.
		if rbErr := m.rollbackTo(previous); rbErr != nil {
			return &DeployResult{State: StateFailed, ReleaseID: releaseID, Previous: previous},
				common.E(common.KindSwap, "deploy failed (%v) and rollback to %s also failed: %v", err, previous, rbErr)
		}
		log.Warn().Str("release", releaseID).Str("restored", previous).Msg("rolled back to previous release")
		return &DeployResult{State: StateRolledBack, ReleaseID: releaseID, Previous: previous, RolledBack: true}, upErr
	}

	if err := m.prune(ctx, releaseID); err != nil {
		// The new release is live; a prune hiccup is not worth failing the
		// deploy over.
		log.Warn().Err(err).Msg("prune incomplete")
	}

	log.Info().Str("release", releaseID).Msg("deploy complete")
	return &DeployResult{State: StatePruned, ReleaseID: releaseID, Previous: previous}, nil
}

// Rollback repoints to the previous release and starts it. Used by the deploy
// failure path and by post-swap cancellation.
func (m *Manager) rollbackTo(releaseID string) error {
	// Deliberately not the caller's context: rollback must still run after
	// an operator interrupt.
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()

	if err := m.swapTo(ctx, releaseID); err != nil {
		return err
	}
	return m.sup.Up(ctx, m.cfg.CurrentLink())
}

// CurrentRelease resolves the current-release pointer to a release id, or ""
// when no release has ever been cut over.
func (m *Manager) CurrentRelease(ctx context.Context) (string, error) {
	res, err := m.exec.Run(ctx, "readlink "+utils.ShellQuote(m.cfg.CurrentLink()))
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", nil
	}
	return path.Base(strings.TrimSpace(res.Stdout)), nil
}

// Releases lists release ids on the target, newest first.
func (m *Manager) Releases(ctx context.Context) ([]string, error) {
	res, err := m.exec.Run(ctx, "ls -1 "+utils.ShellQuote(m.cfg.ReleasesDir()))
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, nil
	}
	var ids []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// newReleaseID produces a monotonically increasing timestamp id. Two deploys
// within the same second get sequence suffixes; an existing release directory
// is never silently reused.
func (m *Manager) newReleaseID(ctx context.Context) (string, error) {
	base := m.now().UTC().Format(releaseIDFormat)
	id := base
	for i := 1; ; i++ {
		exists, err := m.dirExists(ctx, m.cfg.ReleasesDir()+"/"+id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
		if i > 99 {
			return "", common.E(common.KindInternal, "cannot find a free release id after %s", base)
		}
		id = fmt.Sprintf("%s-%d", base, i)
	}
}

func (m *Manager) uploadRelease(ctx context.Context, stageDir string, rendered *RenderedRelease) error {
	if err := m.exec.Copy(ctx, bytes.NewReader(rendered.Compose), stageDir+"/compose.yaml", 0o644); err != nil {
		return err
	}
	return m.exec.Copy(ctx, bytes.NewReader(rendered.Env), stageDir+"/.env", 0o600)
}

// swapTo atomically repoints <base>/current at the release. The link is
// created under a temporary name and renamed over the pointer, so a crash
// mid-swap still leaves the pointer resolving to the old or the new release,
// never to nothing.
func (m *Manager) swapTo(ctx context.Context, releaseID string) error {
	tmp := m.cfg.CurrentLink() + ".tmp"
	cmd := fmt.Sprintf("ln -sfn %s %s && mv -T %s %s",
		utils.ShellQuote("releases/"+releaseID),
		utils.ShellQuote(tmp),
		utils.ShellQuote(tmp),
		utils.ShellQuote(m.cfg.CurrentLink()))
	res, err := m.exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.Ok() {
		m.removeDir(tmp)
		return common.E(common.KindSwap, "pointer swap to %s failed: %s", releaseID, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// prune deletes releases beyond the retention window, oldest first. The
// active release is never deleted, whatever its age.
func (m *Manager) prune(ctx context.Context, active string) error {
	ids, err := m.Releases(ctx)
	if err != nil {
		return err
	}
	kept := 0
	for _, id := range ids {
		if id == active {
			continue
		}
		if kept < m.cfg.RetainReleases-1 {
			kept++
			continue
		}
		res, err := m.exec.Run(ctx, "rm -rf "+utils.ShellQuote(m.cfg.ReleasesDir()+"/"+id))
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("failed to delete release %s: %s", id, strings.TrimSpace(res.Stderr))
		}
		m.log.Debug().Str("release", id).Msg("pruned release")
	}
	return nil
}

// acquireLock takes the exclusive on-target deploy lock. mkdir is atomic on
// POSIX filesystems, so exactly one deploy can hold it.
func (m *Manager) acquireLock(ctx context.Context, opID string) error {
	res, err := m.exec.Run(ctx, "mkdir "+utils.ShellQuote(m.cfg.LockPath()))
	if err != nil {
		return err
	}
	if !res.Ok() {
		return common.E(common.KindLockHeld, "deploy lock %s is held by another operation", m.cfg.LockPath())
	}
	// Owner marker is best effort, for stale-lock diagnosis only.
	_, _ = m.exec.Run(ctx, fmt.Sprintf("printf '%%s\\n' %s > %s",
		utils.ShellQuote(opID), utils.ShellQuote(m.cfg.LockPath()+"/owner")))
	return nil
}

func (m *Manager) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.exec.Run(ctx, "rm -rf "+utils.ShellQuote(m.cfg.LockPath())); err != nil {
		m.log.Error().Err(err).Msg("failed to release deploy lock; remove it manually before the next deploy")
	}
}

func (m *Manager) removeDir(dir string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.exec.Run(ctx, "rm -rf "+utils.ShellQuote(dir)); err != nil {
		m.log.Warn().Err(err).Str("dir", dir).Msg("cleanup failed")
	}
}

func (m *Manager) dirExists(ctx context.Context, dir string) (bool, error) {
	res, err := m.exec.Run(ctx, "test -d "+utils.ShellQuote(dir))
	if err != nil {
		return false, err
	}
	return res.Ok(), nil
}
