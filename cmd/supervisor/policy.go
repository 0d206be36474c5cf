package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/GoPolymarket/trade-supervisor/internal/policy"
)

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Read the published policy",
	}

	var file string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the policy the worker would read, applying the staleness rules",
		Long: `show reads the published policy file the way a worker does: a missing,
unparsable or expired document is replaced by the safe risk_off default.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				cfg, err := opts.load(cmd)
				if err != nil {
					return err
				}
				path = cfg.PolicyFilePath()
			}
			doc := policy.ReadFile(path, time.Now())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
	}
	show.Flags().StringVarP(&file, "file", "f", "", "policy file (default <state_dir>/policy.json)")
	cmd.AddCommand(show)
	return cmd
}
