// services/preflight.go - read-only precondition checks gating every
// mutating operation
package services

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"shipyard/common"
	"shipyard/utils"
)

// PreconditionKind names an unmet precondition so the dispatcher can print a
// specific remediation instead of a generic error.
type PreconditionKind string

const (
	ToolMissing           PreconditionKind = "tool-missing"
	InventoryUnconfigured PreconditionKind = "inventory-unconfigured"
	VaultPassMissing      PreconditionKind = "vault-pass-missing"
	VaultDocumentMissing  PreconditionKind = "vault-document-missing"
	KeyUnreadable         PreconditionKind = "key-unreadable"
	TargetUnreachable     PreconditionKind = "target-unreachable"
)

// Finding is one unmet precondition with its remediation.
type Finding struct {
	Kind   PreconditionKind
	Detail string
	Remedy string
}

// Op classifies the requested operation for check selection.
type Op string

const (
	OpConnect Op = "connect"
	OpDeploy  Op = "deploy"
	OpStatus  Op = "status"
)

// MinComposeMajor is the oldest compose plugin generation the tool drives.
const MinComposeMajor = 2

// Preflight runs the local checks in order, short-circuiting on the first
// failure. It never touches the target.
func Preflight(cfg common.Config, op Op) []Finding {
	hosts, err := LoadInventory(cfg.InventoryPath)
	if err != nil {
		return []Finding{{
			Kind:   InventoryUnconfigured,
			Detail: fmt.Sprintf("inventory %s: %v", cfg.InventoryPath, err),
			Remedy: "create the inventory file with at least one host (set SHIPYARD_INVENTORY to change the path)",
		}}
	}
	resolved := 0
	for _, h := range hosts {
		if h.Addr != "" {
			resolved++
		}
	}
	if resolved == 0 {
		return []Finding{{
			Kind:   InventoryUnconfigured,
			Detail: fmt.Sprintf("inventory %s has no host with a resolved address", cfg.InventoryPath),
			Remedy: "set ansible_host on at least one inventory host",
		}}
	}

	if op == OpDeploy {
		if f := checkVaultPass(cfg); f != nil {
			return []Finding{*f}
		}
		if _, err := os.Stat(cfg.VaultPath); err != nil {
			return []Finding{{
				Kind:   VaultDocumentMissing,
				Detail: fmt.Sprintf("vault document %s: %v", cfg.VaultPath, err),
				Remedy: "run `shipyard secrets init` to create the vault",
			}}
		}
	}

	if cfg.SSHKeyFile != "" {
		if _, err := os.ReadFile(cfg.SSHKeyFile); err != nil {
			return []Finding{{
				Kind:   KeyUnreadable,
				Detail: fmt.Sprintf("SSH key %s: %v", cfg.SSHKeyFile, err),
				Remedy: "point SHIPYARD_SSH_KEY_FILE at a readable private key",
			}}
		}
	}

	return nil
}

func checkVaultPass(cfg common.Config) *Finding {
	b, err := os.ReadFile(cfg.VaultPassFile)
	if err != nil {
		return &Finding{
			Kind:   VaultPassMissing,
			Detail: fmt.Sprintf("vault pass file %s: %v", cfg.VaultPassFile, err),
			Remedy: "write the vault passphrase to the pass file (chmod 600)",
		}
	}
	if strings.TrimSpace(string(b)) == "" {
		return &Finding{
			Kind:   VaultPassMissing,
			Detail: fmt.Sprintf("vault pass file %s is empty", cfg.VaultPassFile),
			Remedy: "write the vault passphrase to the pass file (chmod 600)",
		}
	}
	return nil
}

// PreflightTarget verifies the target is reachable before a session is opened.
func PreflightTarget(cfg common.Config, host common.Host) []Finding {
	conn, err := net.DialTimeout("tcp", host.Address(), cfg.ConnectTimeout)
	if err != nil {
		return []Finding{{
			Kind:   TargetUnreachable,
			Detail: fmt.Sprintf("target %s (%s): %v", host.Name, host.Address(), err),
			Remedy: "check the address, port and network path to the target",
		}}
	}
	conn.Close()
	return nil
}

// PreflightRemoteTool checks the compose plugin on the target. Mutating
// operations refuse to proceed against a target that cannot run them.
func PreflightRemoteTool(ctx context.Context, exec utils.Executor) []Finding {
	res, err := exec.Run(ctx, "docker compose version --short")
	if err != nil || !res.Ok() {
		return []Finding{{
			Kind:   ToolMissing,
			Detail: "docker compose plugin not available on target",
			Remedy: "run `shipyard install` to bootstrap the target",
		}}
	}
	version := strings.TrimPrefix(strings.TrimSpace(res.Stdout), "v")
	if major, _, found := strings.Cut(version, "."); found {
		if n, err := strconv.Atoi(major); err == nil && n < MinComposeMajor {
			return []Finding{{
				Kind:   ToolMissing,
				Detail: fmt.Sprintf("docker compose %s on target, need >= %d.0", version, MinComposeMajor),
				Remedy: "upgrade the compose plugin on the target (or run `shipyard install`)",
			}}
		}
	}
	return nil
}

// FindingsToError folds findings into a single precondition error, nil when
// everything passed.
func FindingsToError(findings []Finding) error {
	if len(findings) == 0 {
		return nil
	}
	f := findings[0]
	return common.E(common.KindPrecondition, "%s: %s (%s)", f.Kind, f.Detail, f.Remedy)
}
