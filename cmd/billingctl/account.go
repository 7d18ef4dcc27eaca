package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/entitlement-engine/backend/internal/entitlement"
	"github.com/PortNumber53/entitlement-engine/backend/internal/ingest"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/notify"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
	"github.com/PortNumber53/entitlement-engine/backend/internal/store"
	"github.com/PortNumber53/entitlement-engine/backend/internal/subscription"
)

var (
	overrideStatus      string
	overridePlan        string
	overridePeriodEnd   string
	overrideClearCoupon bool
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Inspect and repair account billing state",
}

var accountShowCmd = &cobra.Command{
	Use:   "show <account-id>",
	Short: "Print the persisted account and its current entitlement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := store.New(db)
		if err != nil {
			return err
		}
		acct, err := st.GetAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printAccount(cmd, acct)
	},
}

var accountOverrideCmd = &cobra.Command{
	Use:   "override <account-id>",
	Short: "Set billing state directly, bypassing provider events",
	Example: `  billingctl account override U123 --status lifetime
  billingctl account override U123 --status active --plan annual --period-end 2027-01-01T00:00:00+09:00
  billingctl account override U123 --status inactive`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := buildOverride(overrideStatus, overridePlan, overridePeriodEnd, overrideClearCoupon)
		if err != nil {
			return err
		}

		cfg, db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := store.New(db)
		if err != nil {
			return err
		}
		jobs, err := store.NewJobStore(db)
		if err != nil {
			return err
		}
		applier := ingest.NewApplier(st,
			subscription.NewMachine(plans.NewPriceTable(cfg.PriceIDs)),
			notify.NewOutbox(jobs, cfg.DefaultLocale),
		)

		tr, err := applier.Apply(cmd.Context(), ingest.Change{
			AccountID: args[0],
			Event: subscription.Event{
				Kind:     subscription.AdminOverride,
				Occurred: time.Now(),
				Override: o,
			},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", args[0], tr.From, tr.To)
		return printAccount(cmd, tr.Account)
	},
}

func init() {
	f := accountOverrideCmd.Flags()
	f.StringVar(&overrideStatus, "status", "", "new subscription status (required)")
	f.StringVar(&overridePlan, "plan", "", "plan code")
	f.StringVar(&overridePeriodEnd, "period-end", "", "period end, RFC3339")
	f.BoolVar(&overrideClearCoupon, "clear-coupon", false, "forget the redeemed coupon")
	_ = accountOverrideCmd.MarkFlagRequired("status")

	accountCmd.AddCommand(accountShowCmd, accountOverrideCmd)
}

func buildOverride(status, plan, periodEnd string, clearCoupon bool) (*subscription.Override, error) {
	o := &subscription.Override{
		Status:      models.SubscriptionStatus(strings.TrimSpace(status)),
		ClearCoupon: clearCoupon,
	}
	if !o.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if plan != "" {
		code, ok := plans.Parse(plan)
		if !ok {
			return nil, fmt.Errorf("unknown plan %q", plan)
		}
		o.Plan = &code
	}
	if periodEnd != "" {
		t, err := time.Parse(time.RFC3339, periodEnd)
		if err != nil {
			return nil, fmt.Errorf("invalid --period-end: %w", err)
		}
		t = t.UTC()
		o.PeriodEnd = &t
	}
	return o, nil
}

func printAccount(cmd *cobra.Command, acct models.Account) error {
	ent := entitlement.Resolve(acct, time.Now())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"account":     acct,
		"entitlement": ent,
		"planLabel":   ent.Label(plans.English),
	})
}
