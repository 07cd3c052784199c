package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/apollo/pulldeploy/internal/errs"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a new commit is pending deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(settings.ConfigDir); err != nil {
			if os.IsNotExist(err) {
				cmd.PrintErrln("config_dir does not exist; run deploy first")
				os.Exit(2)
			}
			return errs.New(errs.Fatal, "check", err)
		}

		c, err := wire(settings)
		if err != nil {
			return err
		}
		defer c.release()

		target, pending, err := c.orch.Check(cmd.Context())
		if err != nil {
			c.log.Error(err, "check failed")
			os.Exit(2)
		}

		if !pending {
			cmd.Printf("already on newest %s commit (fingerprint %s)\n", target.BranchName, target.Fingerprint)
			os.Exit(0)
		}
		cmd.Printf("new commit available on %s: %s (current fingerprint %s)\n", target.BranchName, target.Commit, target.Fingerprint)
		os.Exit(10)
		return nil
	},
}
