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
	enrichGoal string
	enrichType string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich [entity-id...]",
	Short: "Run the enrichment waterfall for one or more entities",
	Long: `Runs the configured source cascade for the given entities. With no
entity IDs, enriches every entity of --target-type.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var targets []model.Entity
		if len(args) > 0 {
			for _, id := range args {
				entity, err := env.Store.GetEntity(ctx, id)
				if err != nil {
					return eris.Wrapf(err, "load entity %s", id)
				}
				if entity == nil {
					return eris.Errorf("entity %s not found", id)
				}
				targets = append(targets, *entity)
			}
		} else {
			if enrichType == "" {
				return eris.New("either entity IDs or --target-type is required")
			}
			targets, err = env.Store.ListEntitiesByType(ctx, model.EntityType(enrichType), 0)
			if err != nil {
				return eris.Wrapf(err, "list entities of type %s", enrichType)
			}
		}
		if len(targets) == 0 {
			zap.L().Info("nothing to enrich")
			return nil
		}

		outcomes, err := env.Runner.EnrichBatch(ctx, targets, enrichGoal)
		if err != nil {
			return eris.Wrap(err, "enrich batch")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichGoal, "goal", "", "enrichment goal, e.g. contact_info")
	enrichCmd.Flags().StringVar(&enrichType, "target-type", "", "enrich every entity of this type")
	_ = enrichCmd.MarkFlagRequired("goal")

	rootCmd.AddCommand(enrichCmd)
}
