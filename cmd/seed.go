package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/jmehdipour/billing-reconciler/internal/app"
	"github.com/jmehdipour/billing-reconciler/internal/billing"
	"github.com/jmehdipour/billing-reconciler/internal/db"
	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/signature"
	"github.com/jmehdipour/billing-reconciler/internal/util"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo subscriptions and print a signed sample webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := app.Load(cfgPath)
		if err != nil {
			return err
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		fmt.Println(">> Seeding demo subscriptions...")

		now := time.Now().UTC().Truncate(time.Second)
		if err := seedSubscriptions(cmd.Context(), sqlDB, now); err != nil {
			return err
		}

		if strings.TrimSpace(cfg.Webhook.Secret) == "" {
			fmt.Println(">> webhook.secret empty, no sample webhook printed")
			return nil
		}
		body, header, err := sampleWebhook(cfg.Webhook.Secret, now)
		if err != nil {
			return err
		}
		fmt.Println(">> Sample payment failure for sub_demo_active:")
		fmt.Printf("curl -X POST http://localhost%s/webhooks/processor \\\n  -H 'Content-Type: application/json' \\\n  -H '%s: %s' \\\n  -d '%s'\n",
			cfg.HTTP.Addr, cfg.Webhook.SignatureHeader, header, body)
		return nil
	},
}

func demoSubscriptions(now time.Time) []model.Subscription {
	at := func(d time.Duration) *time.Time {
		t := now.Add(d)
		return &t
	}
	const day = 24 * time.Hour
	return []model.Subscription{
		{
			ID:                 "sub_demo_active",
			CustomerID:         "cus_acme",
			PlanID:             "plan_pro_monthly",
			Status:             model.StatusActive,
			CurrentPeriodStart: at(-10 * day),
			CurrentPeriodEnd:   at(20 * day),
		},
		{
			ID:                 "sub_demo_trial",
			CustomerID:         "cus_beta",
			PlanID:             "plan_pro_monthly",
			Status:             model.StatusTrialing,
			CurrentPeriodStart: at(-2 * day),
			CurrentPeriodEnd:   at(12 * day),
			TrialEnd:           at(12 * day),
		},
		{
			ID:                 "sub_demo_past_due",
			CustomerID:         "cus_foobar",
			PlanID:             "plan_basic_monthly",
			Status:             model.StatusPastDue,
			CurrentPeriodStart: at(-32 * day),
			CurrentPeriodEnd:   at(-2 * day),
		},
		{
			ID:                 "sub_demo_leaving",
			CustomerID:         "cus_express",
			PlanID:             "plan_basic_monthly",
			Status:             model.StatusActive,
			CurrentPeriodStart: at(-29 * day),
			CurrentPeriodEnd:   at(day),
			CancelAtPeriodEnd:  true,
		},
		{
			ID:         "sub_demo_incomplete",
			CustomerID: "cus_newbie",
			PlanID:     "plan_pro_monthly",
			Status:     model.StatusIncomplete,
		},
	}
}

// seedSubscriptions inserts the demo rows; existing ids are left alone.
func seedSubscriptions(ctx context.Context, dbx *sqlx.DB, now time.Time) error {
	subs := repository.NewSubscriptionsRepository(dbx)
	return repository.NewTransactor(dbx).WithinTx(ctx, func(tx *sqlx.Tx) error {
		for _, s := range demoSubscriptions(now) {
			s.CreatedAt, s.UpdatedAt = now, now
			inserted, err := subs.InsertIfAbsent(ctx, tx, s)
			if err != nil {
				return fmt.Errorf("insert subscription %q: %w", s.ID, err)
			}
			if inserted {
				fmt.Printf("   + %s (%s)\n", s.ID, s.Status)
			} else {
				fmt.Printf("   = %s exists\n", s.ID)
			}
		}
		return nil
	})
}

// sampleWebhook builds an invoice.payment_failed event and its signature header.
func sampleWebhook(secret string, now time.Time) (string, string, error) {
	body, err := json.Marshal(map[string]any{
		"id":      "evt_" + strings.ToLower(util.NewAt(now)),
		"type":    billing.EventInvoiceFailed,
		"created": now.Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":           "in_" + strings.ToLower(util.NewAt(now)),
				"object":       "invoice",
				"customer":     "cus_acme",
				"subscription": "sub_demo_active",
				"amount_due":   2900,
				"currency":     "usd",
				"period_start": now.Add(-10 * 24 * time.Hour).Unix(),
				"period_end":   now.Add(20 * 24 * time.Hour).Unix(),
			},
		},
	})
	if err != nil {
		return "", "", err
	}
	return string(body), signature.Sign(body, secret, now), nil
}
