package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

var (
	evalTriggerType  string
	evalTargetType   string
	evalTargetID     string
	evalContext      string
	evalCostCategory string
	evalExpectedCost string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run a trigger through the decision brain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		cost, err := decimal.NewFromString(evalExpectedCost)
		if err != nil {
			return eris.Wrapf(err, "parse expected cost %q", evalExpectedCost)
		}

		trigger := model.DecisionTrigger{
			ID:           uuid.NewString(),
			TriggerType:  evalTriggerType,
			TargetType:   evalTargetType,
			TargetID:     evalTargetID,
			Context:      evalContext,
			CostCategory: evalCostCategory,
			ExpectedCost: cost,
			ReceivedAt:   time.Now().UTC(),
		}

		decision, err := env.Brain.Evaluate(ctx, trigger)
		if err != nil {
			return eris.Wrap(err, "evaluate trigger")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalTriggerType, "trigger-type", "", "trigger type, e.g. donation_spike")
	evaluateCmd.Flags().StringVar(&evalTargetType, "target-type", "", "target type, e.g. donor")
	evaluateCmd.Flags().StringVar(&evalTargetID, "target-id", "", "target entity ID")
	evaluateCmd.Flags().StringVar(&evalContext, "context", "", "action context, e.g. governor")
	evaluateCmd.Flags().StringVar(&evalCostCategory, "cost-category", "", "budget category the action draws from")
	evaluateCmd.Flags().StringVar(&evalExpectedCost, "expected-cost", "0", "projected cost of the action")
	_ = evaluateCmd.MarkFlagRequired("trigger-type")
	_ = evaluateCmd.MarkFlagRequired("target-type")
	_ = evaluateCmd.MarkFlagRequired("target-id")
	_ = evaluateCmd.MarkFlagRequired("cost-category")

	rootCmd.AddCommand(evaluateCmd)
}
