// cmd/root.go - command surface and the error-kind -> exit-code dispatcher
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"shipyard/common"
	"shipyard/services"
	"shipyard/utils"
)

var (
	cfg        common.Config
	logger     zerolog.Logger
	targetName string
)

var rootCmd = &cobra.Command{
	Use:   "shipyard",
	Short: "Deploy a compose-based stack to a remote target with immutable releases",
	Long: `shipyard provisions and deploys a containerized stack on a remote host
over SSH. Every deploy renders configuration into a new timestamped release
directory and cuts over atomically via the current-release pointer; failed
deploys roll back to the previous release.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = common.LoadConfig()
		if err != nil {
			return common.Wrap(common.KindPrecondition, err)
		}
		logger = common.NewLogger(cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&targetName, "target", "", "inventory host to operate on (defaults to the only host)")
}

// Execute runs the CLI. Every error surfaces with its category, the specific
// failure and a suggested fix, and maps to a category-specific exit code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		kind := common.KindOf(err)
		fmt.Fprintf(os.Stderr, "error (%s): %v\n  fix: %s\n", kind, err, kind.Remediation())
		os.Exit(kind.ExitCode())
	}
}

// resolveTarget loads the inventory and picks the host for this operation.
// Connection parameters are resolved here, once, and not re-read afterwards.
func resolveTarget() (common.Host, error) {
	hosts, err := services.LoadInventory(cfg.InventoryPath)
	if err != nil {
		return common.Host{}, common.E(common.KindPrecondition, "inventory %s: %v", cfg.InventoryPath, err)
	}
	host, err := services.ResolveTarget(hosts, targetName)
	if err != nil {
		return common.Host{}, common.Wrap(common.KindPrecondition, err)
	}
	return host, nil
}

// connectTarget checks reachability and opens the SSH session.
func connectTarget(ctx context.Context, host common.Host) (*utils.SSHClient, error) {
	if err := services.FindingsToError(services.PreflightTarget(cfg, host)); err != nil {
		return nil, err
	}
	return utils.Connect(ctx, host, cfg)
}

// loadRenderInputs reads the service set and public vars documents.
func loadRenderInputs() (*services.ServiceSet, *services.PublicVars, error) {
	set, err := services.LoadServiceSet(cfg.ServicesPath)
	if err != nil {
		return nil, nil, common.Wrap(common.KindPrecondition, err)
	}
	vars, err := services.LoadPublicVars(cfg.VarsPath)
	if err != nil {
		return nil, nil, common.Wrap(common.KindPrecondition, err)
	}
	return set, vars, nil
}
