package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoPolymarket/trade-supervisor/internal/app"
	"github.com/GoPolymarket/trade-supervisor/internal/logging"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if noWorker {
				cfg.Worker.AutoStart = false
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			base, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = base.Sync() }()
			log := base.Sugar()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfg, base)
			if err != nil {
				return err
			}
			log.Infow("supervisor starting",
				"profile", cfg.Profile,
				"state_dir", cfg.StateDir,
				"api", cfg.API.Enabled,
				"api_addr", cfg.API.Addr,
				"safe_mode", cfg.SafeModeDefault,
				"auto_start", cfg.Worker.AutoStart,
				"moderator", cfg.Moderator.Enabled,
				"event_log", cfg.EventLog.Driver,
			)
			if err := a.Run(ctx); err != nil {
				log.Errorw("supervisor stopped with error", "err", err)
				return err
			}
			log.Info("supervisor stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not auto start the worker")
	return cmd
}
