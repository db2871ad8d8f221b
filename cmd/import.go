package main

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

var importType string

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Bulk-import entities from a CSV file",
	Long: `Imports entities from a CSV with a header row. Recognized columns:
id, type, full_name, email, phone, address, city, zip_code, state,
district, county, metric. Missing IDs are generated; existing rows are
overwritten by ID.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close()

		entities, err := readEntityCSV(f)
		if err != nil {
			return err
		}
		if importType != "" {
			for i := range entities {
				if entities[i].Type == "" {
					entities[i].Type = model.EntityType(importType)
				}
			}
		}

		n, err := st.ImportEntities(ctx, entities)
		if err != nil {
			return eris.Wrap(err, "import entities")
		}
		zap.L().Info("import complete", zap.Int64("rows", n), zap.String("file", args[0]))
		return nil
	},
}

func readEntityCSV(r io.Reader) ([]model.Entity, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read csv header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	get := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var entities []model.Entity
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, eris.Wrapf(err, "read csv line %d", line)
		}

		e := model.Entity{
			ID:       get(record, "id"),
			Type:     model.EntityType(get(record, "type")),
			FullName: get(record, "full_name"),
			Email:    get(record, "email"),
			Phone:    get(record, "phone"),
			Address:  get(record, "address"),
			City:     get(record, "city"),
			ZipCode:  get(record, "zip_code"),
			State:    get(record, "state"),
			District: get(record, "district"),
			County:   get(record, "county"),
		}
		if raw := get(record, "metric"); raw != "" {
			e.Metric, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "parse metric %q on line %d", raw, line)
			}
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func init() {
	importCmd.Flags().StringVar(&importType, "type", "", "entity type to apply to rows without one")
	rootCmd.AddCommand(importCmd)
}
