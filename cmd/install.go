package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/services"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Bootstrap the target: container engine, service account, directory layout",
	RunE:  runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := services.FindingsToError(services.Preflight(cfg, services.OpConnect)); err != nil {
		return err
	}
	host, err := resolveTarget()
	if err != nil {
		return err
	}
	set, vars, err := loadRenderInputs()
	if err != nil {
		return err
	}

	exec, err := connectTarget(ctx, host)
	if err != nil {
		return err
	}
	defer exec.Close()

	if err := services.NewBootstrapper(cfg, exec, logger).Install(ctx, vars, set.Names()); err != nil {
		return err
	}
	fmt.Printf("target %s is ready for deploys\n", host.Name)
	return nil
}
