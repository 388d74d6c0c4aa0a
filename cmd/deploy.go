package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/services"
)

var deployCheck bool

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Render a new release on the target and cut over to it",
	RunE:  runDeploy,
}

func init() {
	deployCmd.Flags().BoolVar(&deployCheck, "check", false, "render and stage only; do not swap the pointer or start services")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := services.FindingsToError(services.Preflight(cfg, services.OpDeploy)); err != nil {
		return err
	}
	host, err := resolveTarget()
	if err != nil {
		return err
	}

	// The vault opens before the first connection: a bad passphrase must
	// abort with zero target mutations (or even contact).
	pass, err := services.ReadVaultPassphrase(cfg)
	if err != nil {
		return err
	}
	vault, err := services.OpenVault(cfg.VaultPath, pass)
	if err != nil {
		return err
	}

	set, vars, err := loadRenderInputs()
	if err != nil {
		return err
	}
	rendered, err := services.Render(set, vars, vault, cfg)
	if err != nil {
		return err
	}

	exec, err := connectTarget(ctx, host)
	if err != nil {
		return err
	}
	defer exec.Close()

	if err := services.FindingsToError(services.PreflightRemoteTool(ctx, exec)); err != nil {
		return err
	}

	sup := services.NewComposeSupervisor(exec, cfg, vars.ServiceAccount, rendered.Services, logger)
	mgr := services.NewManager(cfg, exec, sup, logger)

	result, err := mgr.Deploy(ctx, rendered, deployCheck)
	switch result.State {
	case services.StateRendered:
		fmt.Printf("check ok: release %s rendered and verified, pointer untouched\n", result.ReleaseID)
	case services.StatePruned:
		fmt.Printf("deployed release %s to %s (previous: %s)\n", result.ReleaseID, host.Name, orNone(result.Previous))
	case services.StateRolledBack:
		fmt.Printf("deploy of %s failed; rolled back to %s (failed release retained for inspection)\n",
			result.ReleaseID, result.Previous)
	}
	return err
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
