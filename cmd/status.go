package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/services"
	"shipyard/utils"
)

var statusVerbose bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active release and per-service state on the target",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "include container detail from the Docker API")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

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
	mgr := services.NewManager(cfg, exec, sup, logger)

	current, err := mgr.CurrentRelease(ctx)
	if err != nil {
		return err
	}
	if current == "" {
		fmt.Printf("%s: no release deployed\n", host.Name)
		return nil
	}
	releases, err := mgr.Releases(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: active release %s (%d retained)\n", host.Name, current, len(releases))

	states, err := sup.Status(ctx, cfg.CurrentLink())
	if err != nil {
		return err
	}
	for _, st := range states {
		health := st.Health
		if health == "" {
			health = "-"
		}
		fmt.Printf("  %-20s %-12s %s\n", st.Name, st.State, health)
	}

	if statusVerbose {
		cli, cleanup, err := utils.DockerClientFor(exec)
		if err != nil {
			return err
		}
		defer cleanup()
		containers, err := utils.ListComposeContainers(ctx, cli, cfg.Project)
		if err != nil {
			return err
		}
		fmt.Println("containers:")
		for _, c := range containers {
			fmt.Printf("  %-20s %-30s %-12s %s\n", c.Service, c.Image, c.State, c.Name)
		}
	}
	return nil
}
