package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

var (
	budgetCategory    string
	budgetPeriod      string
	budgetQuantity    string
	budgetUnitCost    string
	budgetReference   string
	budgetAllocated   string
	budgetContingency string
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Budget ledger operations",
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show spend against allocation for a category",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		period := budgetPeriod
		if period == "" {
			period = env.Ledger.CurrentPeriod(time.Now())
		}

		status, err := env.Ledger.Status(ctx, budgetCategory, period)
		if err != nil {
			return eris.Wrapf(err, "budget status %s/%s", budgetCategory, period)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var budgetRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append a spend transaction to the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		quantity, err := decimal.NewFromString(budgetQuantity)
		if err != nil {
			return eris.Wrapf(err, "parse quantity %q", budgetQuantity)
		}
		unitCost, err := decimal.NewFromString(budgetUnitCost)
		if err != nil {
			return eris.Wrapf(err, "parse unit cost %q", budgetUnitCost)
		}

		period := budgetPeriod
		if period == "" {
			period = env.Ledger.CurrentPeriod(time.Now())
		}

		txn, err := env.Ledger.RecordTransaction(ctx, budgetCategory, period, quantity, unitCost, budgetReference)
		if err != nil {
			return eris.Wrap(err, "record transaction")
		}
		zap.L().Info("transaction recorded",
			zap.String("id", txn.ID),
			zap.String("category", txn.Category),
			zap.String("total", txn.TotalCost.String()))
		return nil
	},
}

var budgetAllocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Set the planned allocation for a (category, period)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		allocated, err := decimal.NewFromString(budgetAllocated)
		if err != nil {
			return eris.Wrapf(err, "parse allocated %q", budgetAllocated)
		}
		contingency := decimal.Zero
		if budgetContingency != "" {
			contingency, err = decimal.NewFromString(budgetContingency)
			if err != nil {
				return eris.Wrapf(err, "parse contingency %q", budgetContingency)
			}
		}

		period := budgetPeriod
		if period == "" {
			period = time.Now().Format(cfg.Budget.PeriodFormat)
		}

		alloc := model.BudgetAllocation{
			Period:      period,
			Category:    budgetCategory,
			Allocated:   allocated,
			Contingency: contingency,
		}
		if err := st.UpsertAllocation(ctx, alloc); err != nil {
			return eris.Wrap(err, "upsert allocation")
		}
		zap.L().Info("allocation set",
			zap.String("category", alloc.Category),
			zap.String("period", alloc.Period),
			zap.String("allocated", alloc.Allocated.String()))
		return nil
	},
}

var budgetSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Materialize budget status rows for every allocated category",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		period := budgetPeriod
		if period == "" {
			period = env.Ledger.CurrentPeriod(time.Now())
		}

		n, err := env.Ledger.SnapshotPeriod(ctx, period)
		if err != nil {
			return eris.Wrapf(err, "snapshot period %s", period)
		}
		zap.L().Info("budget snapshot complete", zap.String("period", period), zap.Int("categories", n))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{budgetStatusCmd, budgetRecordCmd, budgetAllocateCmd, budgetSnapshotCmd} {
		c.Flags().StringVar(&budgetPeriod, "period", "", "budget period, e.g. 2026-08 (default: current)")
	}
	budgetStatusCmd.Flags().StringVar(&budgetCategory, "category", "", "cost category")
	_ = budgetStatusCmd.MarkFlagRequired("category")

	budgetRecordCmd.Flags().StringVar(&budgetCategory, "category", "", "cost category")
	budgetRecordCmd.Flags().StringVar(&budgetQuantity, "quantity", "", "units consumed")
	budgetRecordCmd.Flags().StringVar(&budgetUnitCost, "unit-cost", "", "cost per unit")
	budgetRecordCmd.Flags().StringVar(&budgetReference, "reference", "", "decision ID, invoice, etc.")
	_ = budgetRecordCmd.MarkFlagRequired("category")
	_ = budgetRecordCmd.MarkFlagRequired("quantity")
	_ = budgetRecordCmd.MarkFlagRequired("unit-cost")

	budgetAllocateCmd.Flags().StringVar(&budgetCategory, "category", "", "cost category")
	budgetAllocateCmd.Flags().StringVar(&budgetAllocated, "allocated", "", "allocated amount")
	budgetAllocateCmd.Flags().StringVar(&budgetContingency, "contingency", "", "contingency reserve")
	_ = budgetAllocateCmd.MarkFlagRequired("category")
	_ = budgetAllocateCmd.MarkFlagRequired("allocated")

	budgetCmd.AddCommand(budgetStatusCmd, budgetRecordCmd, budgetAllocateCmd, budgetSnapshotCmd)
	rootCmd.AddCommand(budgetCmd)
}
