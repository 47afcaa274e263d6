package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		outcome string
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past rollouts",
		Long: `List finished rollouts from the history database, newest first.

Subcommands show one rollout with its events, the domain-model change
journal and the audit log.`,
		Example: `  # Recent rollouts
  dkctl history

  # Only rollouts that were rolled back
  dkctl history --outcome FAILED_AND_ROLLED_BACK

  # One rollout in detail
  dkctl history show 3f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				var filter *engine.PlanOutcome
				if outcome != "" {
					o := engine.PlanOutcome(strings.ToUpper(outcome))
					if err := o.Validate(); err != nil {
						return err
					}
					filter = &o
				}
				records, err := store.ListRollouts(ctx, filter, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(records)
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOUTCOME\tSTARTED\tDURATION\tOPERATION")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Outcome,
						r.StartedAt.Local().Format(time.DateTime),
						r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond), r.OperationID)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", "", "only rollouts with this outcome")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of rollouts")
	cmd.Flags().IntVar(&offset, "offset", 0, "rollouts to skip")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryChangesCommand())
	cmd.AddCommand(newHistoryAuditCommand())

	return cmd
}

// maxEvents bounds the events shown for one rollout.
const maxEvents = 500

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rollout-id>",
		Short: "Show one rollout with its plan and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				record, err := store.GetRollout(ctx, args[0])
				if err != nil {
					return err
				}
				result, err := record.Result()
				if err != nil {
					return err
				}
				events, err := store.GetEvents(ctx, stores.EventFilter{RolloutID: &record.ID}, maxEvents, 0)
				if err != nil {
					return err
				}

				if jsonOutput {
					return printJSON(map[string]interface{}{
						"rollout": result,
						"plan":    record.Plan,
						"events":  events,
					})
				}

				printRollout(os.Stdout, result)
				if plan, err := record.RolloutPlan(); err == nil {
					fmt.Println()
					printPlan(plan)
				}
				if len(events) > 0 {
					fmt.Println()
					// Newest first from the store; print in order of occurrence.
					for i := len(events) - 1; i >= 0; i-- {
						e := events[i]
						fmt.Printf("%s %-7s %-20s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
					}
				}
				return nil
			})
		},
	}
}

func newHistoryChangesCommand() *cobra.Command {
	var (
		operationID string
		since       uint64
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Show the domain-model change journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				var op *string
				if operationID != "" {
					op = &operationID
				}
				changes, err := store.ListChanges(ctx, op, since, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(changes)
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tKIND\tADDRESS\tATTRIBUTE\tVALUE")
				for _, c := range changes {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.Version, c.Kind, c.Address, deref(c.Attribute), deref(c.After))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&operationID, "operation", "", "only changes made by this operation")
	cmd.Flags().Uint64Var(&since, "since", 0, "only changes above this model version")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of changes")

	return cmd
}

func newHistoryAuditCommand() *cobra.Command {
	var (
		action string
		actor  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *stores.SQLiteStore) error {
				var actionFilter, actorFilter *string
				if action != "" {
					actionFilter = &action
				}
				if actor != "" {
					actorFilter = &actor
				}
				entries, err := store.ListAuditEntries(ctx, actionFilter, actorFilter, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(entries)
				}
				for _, e := range entries {
					fmt.Printf("%s %s %s %s %s\n", e.Timestamp.Local().Format(time.DateTime), e.Actor, e.Action, deref(e.TargetID), deref(e.Details))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}

// withStore opens the history database for the duration of fn.
func withStore(ctx context.Context, fn func(context.Context, *stores.SQLiteStore) error) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.Database})
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, store)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
