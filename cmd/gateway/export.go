package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scada-gateway/internal/gateway"
	"scada-gateway/internal/output"
	"scada-gateway/internal/rollup"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write archived readings for a time window to CSV and/or JSON",
	RunE: withApp(oneShot, func(cmd *cobra.Command, app *gateway.App) error {
		csvPath, _ := cmd.Flags().GetString("csv")
		jsonPath, _ := cmd.Flags().GetString("json")
		if csvPath == "" && jsonPath == "" {
			return errors.New("no output specified: set --csv and/or --json")
		}

		loc := app.Config.Location()
		from := rollup.HourStart(time.Now(), loc).Add(-time.Hour)
		if v, _ := cmd.Flags().GetString("from"); v != "" {
			t, err := time.ParseInLocation(hourLayout, v, loc)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			from = t
		}
		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			return errors.New("--hours must be positive")
		}
		to := from.Add(time.Duration(hours) * time.Hour)

		ctx := cmd.Context()
		history, err := app.Store.HistoryBetween(ctx, from, to)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		tags, err := app.Store.ActiveTagMappings(ctx)
		if err != nil {
			return fmt.Errorf("load tag mappings: %w", err)
		}
		rows := output.JoinHistory(history, tags)

		if csvPath != "" {
			if err := output.WriteCSV(csvPath, rows); err != nil {
				return err
			}
		}
		if jsonPath != "" {
			if err := output.WriteJSON(jsonPath, rows); err != nil {
				return err
			}
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "exported %d readings from %s to %s\n", len(rows), from.Format(time.RFC3339), to.Format(time.RFC3339))
		return err
	}),
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().String("from", "", "first hour as YYYY-MM-DDTHH in the gateway timezone (default: previous hour)")
	exportCmd.Flags().Int("hours", 1, "number of hours to export")
	exportCmd.Flags().String("csv", "", "path to write CSV (optional)")
	exportCmd.Flags().String("json", "", "path to write JSON (optional)")
}
