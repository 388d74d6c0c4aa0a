package services

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipyard/common"
)

func preflightConfig(t *testing.T) common.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := common.Config{
		InventoryPath:  filepath.Join(dir, "inventory.yml"),
		VaultPath:      filepath.Join(dir, "vault.yml"),
		VaultPassFile:  filepath.Join(dir, ".vault_pass"),
		BaseDir:        "/opt/stack",
		ConnectTimeout: 2 * time.Second,
	}
	require.NoError(t, os.WriteFile(cfg.InventoryPath,
		[]byte("all:\n  hosts:\n    node-a:\n      ansible_host: 10.0.0.5\n"), 0o644))
	require.NoError(t, os.WriteFile(cfg.VaultPassFile, []byte("passphrase\n"), 0o600))
	_, err := CreateVault(cfg.VaultPath, "passphrase")
	require.NoError(t, err)
	return cfg
}

func TestPreflightAllGreen(t *testing.T) {
	cfg := preflightConfig(t)
	assert.Empty(t, Preflight(cfg, OpDeploy))
	assert.NoError(t, FindingsToError(nil))
}

func TestPreflightMissingInventory(t *testing.T) {
	cfg := preflightConfig(t)
	cfg.InventoryPath = filepath.Join(t.TempDir(), "absent.yml")

	findings := Preflight(cfg, OpDeploy)
	require.Len(t, findings, 1)
	assert.Equal(t, InventoryUnconfigured, findings[0].Kind)
}

func TestPreflightInventoryWithoutAddresses(t *testing.T) {
	cfg := preflightConfig(t)
	require.NoError(t, os.WriteFile(cfg.InventoryPath,
		[]byte("all:\n  hosts:\n    node-a:\n      ansible_user: deploy\n"), 0o644))

	findings := Preflight(cfg, OpDeploy)
	require.Len(t, findings, 1)
	assert.Equal(t, InventoryUnconfigured, findings[0].Kind)
	assert.Contains(t, findings[0].Remedy, "ansible_host")
}

func TestPreflightMissingVaultPass(t *testing.T) {
	cfg := preflightConfig(t)
	require.NoError(t, os.Remove(cfg.VaultPassFile))

	findings := Preflight(cfg, OpDeploy)
	require.Len(t, findings, 1)
	assert.Equal(t, VaultPassMissing, findings[0].Kind)
}

func TestPreflightEmptyVaultPass(t *testing.T) {
	cfg := preflightConfig(t)
	require.NoError(t, os.WriteFile(cfg.VaultPassFile, []byte(" \n"), 0o600))

	findings := Preflight(cfg, OpDeploy)
	require.Len(t, findings, 1)
	assert.Equal(t, VaultPassMissing, findings[0].Kind)
}

func TestPreflightMissingVaultDocument(t *testing.T) {
	cfg := preflightConfig(t)
	require.NoError(t, os.Remove(cfg.VaultPath))

	findings := Preflight(cfg, OpDeploy)
	require.Len(t, findings, 1)
	assert.Equal(t, VaultDocumentMissing, findings[0].Kind)
	assert.Contains(t, findings[0].Remedy, "secrets init")
}

func TestPreflightVaultChecksSkippedOutsideDeploy(t *testing.T) {
	cfg := preflightConfig(t)
	require.NoError(t, os.Remove(cfg.VaultPassFile))
	require.NoError(t, os.Remove(cfg.VaultPath))

	assert.Empty(t, Preflight(cfg, OpStatus))
	assert.Empty(t, Preflight(cfg, OpConnect))
}

func TestPreflightUnreadableKey(t *testing.T) {
	cfg := preflightConfig(t)
	cfg.SSHKeyFile = filepath.Join(t.TempDir(), "absent_key")

	findings := Preflight(cfg, OpDeploy)
	require.Len(t, findings, 1)
	assert.Equal(t, KeyUnreadable, findings[0].Kind)
}

func TestPreflightTargetUnreachable(t *testing.T) {
	cfg := preflightConfig(t)
	cfg.ConnectTimeout = 200 * time.Millisecond

	// A listener that is closed immediately gives a port that refuses.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	findings := PreflightTarget(cfg, hostForAddr(t, "node-a", addr))
	require.Len(t, findings, 1)
	assert.Equal(t, TargetUnreachable, findings[0].Kind)
}

func TestPreflightTargetReachable(t *testing.T) {
	cfg := preflightConfig(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if conn, err := ln.Accept(); err == nil {
			conn.Close()
		}
	}()

	findings := PreflightTarget(cfg, hostForAddr(t, "node-a", ln.Addr().String()))
	assert.Empty(t, findings)
}

func hostForAddr(t *testing.T, name, addr string) common.Host {
	t.Helper()
	ip, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return common.Host{Name: name, Addr: ip, Port: port}
}

func TestFindingsToError(t *testing.T) {
	err := FindingsToError([]Finding{{Kind: VaultPassMissing, Detail: "d", Remedy: "r"}})
	require.Error(t, err)
	assert.Equal(t, common.KindPrecondition, common.KindOf(err))
	assert.Contains(t, err.Error(), "vault-pass-missing")
}
