package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thetanil/matrixvault/internal/audit"
)

func newAuditCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the access log",
	}

	var (
		actor string
		since time.Duration
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Print access-log entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			f := audit.Filter{Actor: actor, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			entries, err := a.sink.List(cmd.Context(), f)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTOR\tACTION\tSUCCESS\tTIER\tORIGIN\tCLIENT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
					e.OccurredAt.Format(time.RFC3339), e.Actor, e.Action, e.Success, e.Tier, e.Origin, e.ClientID)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "only entries of this actor")
	list.Flags().DurationVar(&since, "since", 0, "only entries newer than this, e.g. 24h")
	list.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")

	cmd.AddCommand(list)
	return cmd
}
