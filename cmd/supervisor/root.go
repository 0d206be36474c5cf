package main

import (
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/GoPolymarket/trade-supervisor/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultConfigPath = "config.yaml"

type rootOptions struct {
	configPath string
	profile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Supervisory control plane for a trading worker",
		Long: `supervisor runs a trading worker as a child process and guards it.

It restarts the worker on crashes, ingests its heartbeats, answers pre-trade
risk checks, publishes a trading policy and keeps an audit log of every
decision it makes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.profile, "profile", "", "config profile: strict|standard|observe (overrides the file)")

	cmd.AddCommand(
		newRunCmd(opts),
		newConfigCmd(opts),
		newPolicyCmd(opts),
		newEventsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads the config file, then env overrides and the profile. A missing
// default file falls back to built-in defaults; an explicit path must exist.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("config") {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "config %s not found, using defaults\n", o.configPath)
		cfg = config.Default()
	}
	cfg.ApplyEnv()

	profile := cfg.Profile
	if o.profile != "" {
		profile = o.profile
	}
	if err := config.ApplyProfile(&cfg, profile); err != nil {
		return cfg, err
	}
	cfg.Profile = profile
	return cfg, nil
}
