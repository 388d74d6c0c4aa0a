package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipyard/common"
	"shipyard/utils"
)

// shellExecutor runs every command against the local filesystem, so the
// release state machine can be exercised end to end without a target. The
// command vocabulary the manager uses (mkdir, test, ln, mv, readlink, ls, rm)
// behaves identically over a local shell.
type shellExecutor struct{}

func (shellExecutor) Run(ctx context.Context, command string) (utils.Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := utils.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

func (shellExecutor) Copy(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error {
	b, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	return os.WriteFile(remotePath, b, mode)
}

func (shellExecutor) Close() error { return nil }

// fakeSupervisor answers Up from a queue of scripted errors; an empty queue
// means success.
type fakeSupervisor struct {
	upErrs  []error
	upPaths []string
}

func (f *fakeSupervisor) Up(ctx context.Context, releasePath string) error {
	f.upPaths = append(f.upPaths, releasePath)
	if len(f.upErrs) == 0 {
		return nil
	}
	err := f.upErrs[0]
	f.upErrs = f.upErrs[1:]
	return err
}

func (f *fakeSupervisor) Status(ctx context.Context, releasePath string) ([]ServiceState, error) {
	return nil, nil
}

func (f *fakeSupervisor) Restart(ctx context.Context, releasePath, service string) error {
	return nil
}

func testManager(t *testing.T, sup Supervisor, ts time.Time) (*Manager, common.Config) {
	t.Helper()
	cfg := common.Config{
		BaseDir:        t.TempDir(),
		Project:        "stack",
		RetainReleases: 3,
		HealthTimeout:  10 * time.Second,
		CommandTimeout: 30 * time.Second,
	}
	m := NewManager(cfg, shellExecutor{}, sup, zerolog.Nop())
	m.now = func() time.Time { return ts }
	return m, cfg
}

func testRendered() *RenderedRelease {
	return &RenderedRelease{
		Compose:  []byte("name: stack\nservices:\n  caddy:\n    image: caddy:2\n"),
		Env:      []byte("hostname_registry=registry.example.net\n"),
		Services: []string{"caddy"},
	}
}

var deployTime = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func TestDeployFreshTarget(t *testing.T) {
	sup := &fakeSupervisor{}
	m, cfg := testManager(t, sup, deployTime)
	ctx := context.Background()

	res, err := m.Deploy(ctx, testRendered(), false)
	require.NoError(t, err)

	assert.Equal(t, StatePruned, res.State)
	assert.Equal(t, "20260830T120000", res.ReleaseID)
	assert.Empty(t, res.Previous)
	assert.False(t, res.RolledBack)

	current, err := m.CurrentRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.ReleaseID, current)

	releaseDir := filepath.Join(cfg.ReleasesDir(), res.ReleaseID)
	compose, err := os.ReadFile(filepath.Join(releaseDir, "compose.yaml"))
	require.NoError(t, err)
	assert.Equal(t, testRendered().Compose, compose)
	env, err := os.ReadFile(filepath.Join(releaseDir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, testRendered().Env, env)

	// The pointer resolves through the symlink to the release content.
	viaLink, err := os.ReadFile(filepath.Join(cfg.CurrentLink(), "compose.yaml"))
	require.NoError(t, err)
	assert.Equal(t, compose, viaLink)

	// Supervisor was pointed at the stable link, not the release dir.
	require.Len(t, sup.upPaths, 1)
	assert.Equal(t, cfg.CurrentLink(), sup.upPaths[0])

	// The lock is gone once the deploy finishes.
	_, err = os.Stat(cfg.LockPath())
	assert.True(t, os.IsNotExist(err))
}

func TestDeployCheckOnly(t *testing.T) {
	sup := &fakeSupervisor{}
	m, cfg := testManager(t, sup, deployTime)
	ctx := context.Background()

	res, err := m.Deploy(ctx, testRendered(), true)
	require.NoError(t, err)
	assert.Equal(t, StateRendered, res.State)

	// No pointer, no retained release, no supervisor call.
	_, err = os.Lstat(cfg.CurrentLink())
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(cfg.ReleasesDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, sup.upPaths)
}

func TestDeployLockHeld(t *testing.T) {
	sup := &fakeSupervisor{}
	m, cfg := testManager(t, sup, deployTime)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(cfg.LockPath(), 0o755))

	res, err := m.Deploy(ctx, testRendered(), false)
	require.Error(t, err)
	assert.Equal(t, common.KindLockHeld, common.KindOf(err))
	assert.Equal(t, StateFailed, res.State)

	// A lock this deploy never acquired is not released.
	_, err = os.Stat(cfg.LockPath())
	assert.NoError(t, err)
}

func TestDeploySameSecondGetsSequenceSuffix(t *testing.T) {
	sup := &fakeSupervisor{}
	m, _ := testManager(t, sup, deployTime)
	ctx := context.Background()

	first, err := m.Deploy(ctx, testRendered(), false)
	require.NoError(t, err)
	second, err := m.Deploy(ctx, testRendered(), false)
	require.NoError(t, err)

	assert.Equal(t, "20260830T120000", first.ReleaseID)
	assert.Equal(t, "20260830T120000-1", second.ReleaseID)
	assert.Equal(t, first.ReleaseID, second.Previous)
}

func TestDeployRollsBackOnHealthFailure(t *testing.T) {
	sup := &fakeSupervisor{}
	m, cfg := testManager(t, sup, deployTime)
	ctx := context.Background()

	good, err := m.Deploy(ctx, testRendered(), false)
	require.NoError(t, err)

	m.now = func() time.Time { return deployTime.Add(time.Minute) }
	sup.upErrs = []error{common.E(common.KindHealthTimeout, "services not healthy within 10s")}

	res, err := m.Deploy(ctx, testRendered(), false)
	require.Error(t, err)
	assert.Equal(t, common.KindHealthTimeout, common.KindOf(err))
	assert.Equal(t, StateRolledBack, res.State)
	assert.True(t, res.RolledBack)
	assert.Equal(t, good.ReleaseID, res.Previous)

	// Pointer is back on the previous release.
	current, cerr := m.CurrentRelease(ctx)
	require.NoError(t, cerr)
	assert.Equal(t, good.ReleaseID, current)

	// The failed release directory is retained for postmortem.
	_, serr := os.Stat(filepath.Join(cfg.ReleasesDir(), res.ReleaseID))
	assert.NoError(t, serr)

	// Lock released despite the failure.
	_, lerr := os.Stat(cfg.LockPath())
	assert.True(t, os.IsNotExist(lerr))
}

func TestDeployFreshTargetHealthFailureKeepsPointer(t *testing.T) {
	sup := &fakeSupervisor{upErrs: []error{errors.New("caddy is restarting")}}
	m, _ := testManager(t, sup, deployTime)
	ctx := context.Background()

	res, err := m.Deploy(ctx, testRendered(), false)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.False(t, res.RolledBack)

	// Nothing to roll back to; the pointer stays resolvable on the failed
	// release rather than dangling.
	current, cerr := m.CurrentRelease(ctx)
	require.NoError(t, cerr)
	assert.Equal(t, res.ReleaseID, current)
}

func TestDeployCancelledBeforeSwap(t *testing.T) {
	sup := &fakeSupervisor{}
	m, cfg := testManager(t, sup, deployTime)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancellation before the swap must leave the pointer untouched.
	res, err := m.Deploy(ctx, testRendered(), false)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	_, lerr := os.Lstat(cfg.CurrentLink())
	assert.True(t, os.IsNotExist(lerr))
}

func TestPruneKeepsRetentionWindow(t *testing.T) {
	sup := &fakeSupervisor{}
	m, _ := testManager(t, sup, deployTime)
	m.cfg.RetainReleases = 2
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		ts := deployTime.Add(time.Duration(i) * time.Minute)
		m.now = func() time.Time { return ts }
		res, err := m.Deploy(ctx, testRendered(), false)
		require.NoError(t, err)
		ids = append(ids, res.ReleaseID)
	}

	releases, err := m.Releases(ctx)
	require.NoError(t, err)
	require.Len(t, releases, 2)
	assert.Equal(t, ids[3], releases[0])
	assert.Equal(t, ids[2], releases[1])

	// The active release survived pruning.
	current, err := m.CurrentRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[3], current)
}

func TestCurrentReleaseEmptyWithoutPointer(t *testing.T) {
	sup := &fakeSupervisor{}
	m, _ := testManager(t, sup, deployTime)

	current, err := m.CurrentRelease(context.Background())
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestReleasesNewestFirst(t *testing.T) {
	sup := &fakeSupervisor{}
	m, cfg := testManager(t, sup, deployTime)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(cfg.ReleasesDir(), "20260830T110000"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.ReleasesDir(), "20260830T120000"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.ReleasesDir(), "20260830T090000"), 0o755))

	releases, err := m.Releases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"20260830T120000", "20260830T110000", "20260830T090000"}, releases)
}
