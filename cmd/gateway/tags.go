package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"scada-gateway/internal/db"
	"scada-gateway/internal/gateway"
	"scada-gateway/internal/model"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Load and print the active tag set",
	RunE: withApp(oneShot, func(cmd *cobra.Command, app *gateway.App) error {
		ctx := cmd.Context()
		if path, _ := cmd.Flags().GetString("import"); path != "" {
			store, ok := app.Store.(*db.DB)
			if !ok {
				return errors.New("--import needs a postgres or sqlite backend")
			}
			rows, err := readTagFile(path)
			if err != nil {
				return err
			}
			if err := store.SaveTagMappings(ctx, rows); err != nil {
				return fmt.Errorf("import %s: %w", path, err)
			}
			app.Log.WithField("rows", len(rows)).Info("tag mappings imported")
		}

		if _, err := app.Registry.Load(ctx); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PRIORITY\tTAG\tADDRESS\tFC\tTYPE\tSCALE\tOFFSET\tTARGET")
		for _, t := range app.Registry.Tags() {
			target := "-"
			if t.Target.Field != "" {
				target = fmt.Sprintf("%s#%d", t.Target.Field, t.Target.TransformerNumber)
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%g\t%g\t%s\n",
				t.Priority, t.Name, t.Address, t.FunctionCode, t.DataType, t.ScalingFactor, t.Offset, target)
		}
		return w.Flush()
	}),
}

func readTagFile(path string) ([]model.TagMapping, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows []model.TagMapping
	if err := yaml.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rows, nil
}

func init() {
	rootCmd.AddCommand(tagsCmd)
	tagsCmd.Flags().String("import", "", "YAML file of tag mappings to upsert before listing")
}
