package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/sqlite"
)

func newEventsCommand(opts *globalOptions) *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print domain events from the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			var events []domain.Event
			store := &sqlite.Store{DB: db}
			err = store.Transact(cmd.Context(), func(ctx context.Context, tx domain.Tx) error {
				events, err = tx.Events().List(ctx, after, limit)
				return err
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, ev := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s%s\n", ev.Seq, ev.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"),
					ev.Kind, ev.EntityID, ev.Principal, formatAttrs(ev.Attributes))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only print events with a sequence number above this")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events to print")
	return cmd
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		fmt.Fprintf(&b, "\t%s=%s", k, attrs[k])
	}
	return b.String()
}
