package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

var (
	gradeScopeType string
	gradeScopeKey  string
	gradeAll       bool
	gradeContext   string
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Grading engine operations",
}

var gradeRecomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute grade assignments for a scope, or all scopes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if gradeAll {
			if err := env.Grading.RecomputeAll(ctx); err != nil {
				return eris.Wrap(err, "recompute all scopes")
			}
			zap.L().Info("recomputed all scopes")
			return nil
		}

		if gradeScopeType == "" || gradeScopeKey == "" {
			return eris.New("either --all or both --scope-type and --scope-key are required")
		}
		sc := model.GradeScope{Type: model.GradeScopeType(gradeScopeType), Key: gradeScopeKey}
		switch sc.Type {
		case model.ScopeState, model.ScopeDistrict, model.ScopeCounty:
		default:
			return eris.Errorf("unknown scope type %q", gradeScopeType)
		}

		n, err := env.Grading.RecomputeScope(ctx, sc)
		if err != nil {
			return eris.Wrapf(err, "recompute scope %s", sc)
		}
		zap.L().Info("scope recomputed", zap.String("scope", sc.String()), zap.Int("entities", n))
		return nil
	},
}

var gradeGetCmd = &cobra.Command{
	Use:   "get <entity-id>",
	Short: "Look up an entity's grade for an action context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		grade, err := env.Grading.ContextualGrade(ctx, args[0], gradeContext)
		if err != nil {
			return eris.Wrapf(err, "grade entity %s", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(grade)
	},
}

func init() {
	gradeRecomputeCmd.Flags().StringVar(&gradeScopeType, "scope-type", "", "scope type: state, district, or county")
	gradeRecomputeCmd.Flags().StringVar(&gradeScopeKey, "scope-key", "", "scope key, e.g. TX or TX-21")
	gradeRecomputeCmd.Flags().BoolVar(&gradeAll, "all", false, "recompute every scope partition")
	gradeGetCmd.Flags().StringVar(&gradeContext, "context", "", "action context, e.g. governor or us_house")
	_ = gradeGetCmd.MarkFlagRequired("context")

	gradeCmd.AddCommand(gradeRecomputeCmd, gradeGetCmd)
	rootCmd.AddCommand(gradeCmd)
}
