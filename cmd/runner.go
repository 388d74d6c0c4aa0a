package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/services"
)

var runnerCmd = &cobra.Command{
	Use:   "setup-runner",
	Short: "Provision and register the CI runner on the target",
	RunE:  runSetupRunner,
}

func init() {
	rootCmd.AddCommand(runnerCmd)
}

func runSetupRunner(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := services.FindingsToError(services.Preflight(cfg, services.OpDeploy)); err != nil {
		return err
	}
	host, err := resolveTarget()
	if err != nil {
		return err
	}

	pass, err := services.ReadVaultPassphrase(cfg)
	if err != nil {
		return err
	}
	vault, err := services.OpenVault(cfg.VaultPath, pass)
	if err != nil {
		return err
	}
	_, vars, err := loadRenderInputs()
	if err != nil {
		return err
	}

	exec, err := connectTarget(ctx, host)
	if err != nil {
		return err
	}
	defer exec.Close()

	if err := services.NewBootstrapper(cfg, exec, logger).SetupRunner(ctx, vars, vault); err != nil {
		return err
	}
	fmt.Printf("runner is registered and running on %s\n", host.Name)
	return nil
}
