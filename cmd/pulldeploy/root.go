package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apollo/pulldeploy/internal/config"
	"github.com/apollo/pulldeploy/internal/logging"
)

var (
	configPath string
	settings   config.Settings
	zapOpts    = logging.NewOptions()

	// version and commit are set at build time via -ldflags if desired.
	version = "v0.0.0"
	commit  = ""
)

var rootCmd = &cobra.Command{
	Use:           "pulldeploy",
	Short:         "Pull-based NixOS configuration deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log := logging.Setup(zapOpts)
		log.V(1).Info("starting pulldeploy", "version", version, "commit", commit)

		if configPath == "" {
			configPath = os.Getenv("DEPLOY_CONFIG")
		}
		if configPath == "" {
			return fmt.Errorf("no config file: pass -c or set DEPLOY_CONFIG")
		}

		s, err := config.Load(configPath)
		if err != nil {
			return err
		}
		settings = s
		log.V(1).Info("loaded configuration", "origin", config.Redact(s.OriginURL), "config_dir", s.ConfigDir, "has_token", s.HasToken())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the TOML configuration file (default $DEPLOY_CONFIG)")
	zapOpts.BindPersistent(rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
