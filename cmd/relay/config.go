package main

import (
	"github.com/raphi011/relay/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Loads the configuration file and the environment, validates the result and
prints it as yaml. The access token is redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)

			file, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(file)
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				log.Warn("reporting would be disabled", "error", err)
			}

			return cfg.Write(cmd.OutOrStdout())
		},
	}
}
