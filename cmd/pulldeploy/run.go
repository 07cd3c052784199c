package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/apollo/pulldeploy/internal/errs"
	"github.com/apollo/pulldeploy/internal/orchestrator"
)

var (
	force           bool
	noMagicRollback bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch changes and deploy if a new target is selected",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := wire(settings)
		if err != nil {
			if kind, ok := errs.KindOf(err); ok && kind == errs.Busy {
				cmd.PrintErrln("another deployment is already running")
				os.Exit(2)
			}
			return err
		}
		defer c.release()

		if c.systemd.IsRebuilding(cmd.Context()) {
			cmd.Println("a rebuild is already running")
			os.Exit(0)
		}

		outcome, err := c.orch.Run(cmd.Context(), force, noMagicRollback)
		if err != nil {
			c.log.Error(err, "run failed")
		}

		switch outcome {
		case orchestrator.Succeed, orchestrator.UpToDate:
			os.Exit(0)
		case orchestrator.Fail:
			os.Exit(1)
		default:
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&force, "force", false, "deploy even if already on the selected target")
	runCmd.Flags().BoolVar(&noMagicRollback, "no-magic-rollback", false, "skip the post-activation reachability check")
}
