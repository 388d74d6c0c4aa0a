package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/services"
)

var restartCmd = &cobra.Command{
	Use:   "restart <service>",
	Short: "Restart one service of the active release",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	service := args[0]

	if err := services.FindingsToError(services.Preflight(cfg, services.OpStatus)); err != nil {
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

	sup := services.NewComposeSupervisor(exec, cfg, vars.ServiceAccount, set.Names(), logger)
	if err := sup.Restart(ctx, cfg.CurrentLink(), service); err != nil {
		return err
	}
	fmt.Printf("service %s restarted on %s\n", service, host.Name)
	return nil
}
