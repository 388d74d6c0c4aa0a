package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/services"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify every deploy precondition without touching the target",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if findings := services.Preflight(cfg, services.OpDeploy); len(findings) > 0 {
		printFindings(findings)
		return services.FindingsToError(findings)
	}

	host, err := resolveTarget()
	if err != nil {
		return err
	}
	if findings := services.PreflightTarget(cfg, host); len(findings) > 0 {
		printFindings(findings)
		return services.FindingsToError(findings)
	}

	exec, err := connectTarget(ctx, host)
	if err != nil {
		return err
	}
	defer exec.Close()

	if findings := services.PreflightRemoteTool(ctx, exec); len(findings) > 0 {
		printFindings(findings)
		return services.FindingsToError(findings)
	}

	fmt.Printf("all preconditions met for %s\n", host.Name)
	return nil
}

func printFindings(findings []services.Finding) {
	for _, f := range findings {
		fmt.Printf("FAIL %-24s %s\n     %s\n", f.Kind, f.Detail, f.Remedy)
	}
}
