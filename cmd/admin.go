package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/billing-reconciler/internal/app"
	"github.com/jmehdipour/billing-reconciler/internal/dispatcher"
	"github.com/jmehdipour/billing-reconciler/internal/subscription"
)

var (
	cancelImmediate bool
	backlogLimit    int
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator actions against the store",
}

var adminCancelCmd = &cobra.Command{
	Use:   "cancel <subscription-id>",
	Short: "Cancel a subscription (at period end unless --immediate)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openAdmin()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Machine.Cancel(cmd.Context(), args[0], cancelImmediate, time.Now().UTC())
		if errors.Is(err, subscription.ErrNotFound) {
			return fmt.Errorf("subscription %s not found", args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"id":                   res.Subscription.ID,
			"from":                 res.From,
			"to":                   res.To,
			"changed":              res.Changed,
			"cancel_at_period_end": res.Subscription.CancelAtPeriodEnd,
		})
	},
}

var adminReplayCmd = &cobra.Command{
	Use:   "replay <event-id>",
	Short: "Dispatch a stored event again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openAdmin()
		if err != nil {
			return err
		}
		defer a.Close()

		result, outcome, err := a.Dispatcher.Replay(cmd.Context(), args[0])
		if errors.Is(err, dispatcher.ErrEventNotFound) {
			return fmt.Errorf("event %s not found", args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"id": args[0], "result": result, "outcome": outcome})
	},
}

var adminBacklogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "List failed events and unresolved failed payments",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openAdmin()
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.Events.ListFailed(cmd.Context(), backlogLimit, 0)
		if err != nil {
			return fmt.Errorf("list failed events: %w", err)
		}
		payments, err := a.Payments.ListUnresolved(cmd.Context(), backlogLimit, 0)
		if err != nil {
			return fmt.Errorf("list failed payments: %w", err)
		}
		return printJSON(map[string]any{
			"failed_events":   events,
			"failed_payments": payments,
		})
	},
}

func init() {
	adminCancelCmd.Flags().BoolVar(&cancelImmediate, "immediate", false, "cancel now instead of at period end")
	adminBacklogCmd.Flags().IntVar(&backlogLimit, "limit", 50, "max rows per list")
	adminCmd.AddCommand(adminCancelCmd, adminReplayCmd, adminBacklogCmd)
}

func openAdmin() (*app.App, error) {
	cfg, err := app.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.Open(cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
