package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chhz0/actionq/core"
)

func newActionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the registered actions and their executors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			executors, err := core.NewExecutors(opts.cfg.Executors)
			if err != nil {
				return err
			}
			reg := core.NewActionRegistry()
			registerBuiltins(reg, zerolog.Nop())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTION\tEXECUTOR\tCONFIGURED")
			for _, rec := range reg.Records() {
				fmt.Fprintf(w, "%s\t%s\t%t\n", rec.Action(), rec.Executor(), executors.Has(rec.Executor()))
			}
			return w.Flush()
		},
	}
}
