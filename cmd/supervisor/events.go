package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoPolymarket/trade-supervisor/internal/eventlog"
)

type tailOptions struct {
	types    string
	since    time.Duration
	limit    int
	follow   bool
	interval time.Duration
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the event log",
	}

	to := &tailOptions{}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.EventLog.Driver == "memory" {
				return fmt.Errorf("the memory event log is not readable from another process")
			}
			q, err := to.query(time.Now())
			if err != nil {
				return err
			}
			store, err := eventlog.Open(cfg.EventLog.Driver, cfg.EventLogDSN())
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return tailEvents(ctx, store, q, to.follow, to.interval, func(e eventlog.Event) error {
				line, err := json.Marshal(e)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(line))
				return err
			})
		},
	}
	tail.Flags().StringVarP(&to.types, "type", "t", "", "comma separated event types")
	tail.Flags().DurationVar(&to.since, "since", 0, "only events newer than this age, e.g. 15m")
	tail.Flags().IntVarP(&to.limit, "limit", "n", 50, "number of events to print")
	tail.Flags().BoolVarP(&to.follow, "follow", "F", false, "keep polling for new events")
	tail.Flags().DurationVar(&to.interval, "interval", time.Second, "poll interval with --follow")
	cmd.AddCommand(tail)
	return cmd
}

func (o *tailOptions) query(now time.Time) (eventlog.Query, error) {
	q := eventlog.Query{Limit: o.limit, Newest: true}
	if o.limit <= 0 {
		return q, fmt.Errorf("limit must be > 0")
	}
	if o.since > 0 {
		q.Since = now.Add(-o.since)
	}
	for _, s := range strings.Split(o.types, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		t, err := eventlog.ParseType(strings.ToUpper(s))
		if err != nil {
			return q, err
		}
		q.Types = append(q.Types, t)
	}
	return q, nil
}

// tailEvents prints the newest page, then with follow polls for events after
// the last printed seq until ctx ends.
func tailEvents(ctx context.Context, r eventlog.Reader, q eventlog.Query, follow bool, interval time.Duration, emit func(eventlog.Event) error) error {
	evs, err := r.Query(ctx, q)
	if err != nil {
		return err
	}
	var last int64
	for _, e := range evs {
		if err := emit(e); err != nil {
			return err
		}
		last = e.Seq
	}
	if !follow {
		return nil
	}
	if last == 0 {
		if last, err = r.LastSeq(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		evs, err := r.Query(ctx, eventlog.Query{Types: q.Types, AfterSeq: last})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, e := range evs {
			if err := emit(e); err != nil {
				return err
			}
			last = e.Seq
		}
	}
}
