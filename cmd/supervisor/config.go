package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or validate the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load the config with env overrides and profile, then validate it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := opts.load(cmd)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "config ok (profile=%s state_dir=%s event_log=%s)\n",
					displayProfile(cfg.Profile), cfg.StateDir, cfg.EventLog.Driver)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective config as YAML (secrets redacted)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := opts.load(cmd)
				if err != nil {
					return err
				}
				if cfg.API.AuthToken != "" {
					cfg.API.AuthToken = "***"
				}
				if cfg.Telegram.BotToken != "" {
					cfg.Telegram.BotToken = "***"
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
	)
	return cmd
}

func displayProfile(p string) string {
	if p == "" {
		return "standard"
	}
	return p
}
