package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scada-gateway/internal/gateway"
	"scada-gateway/internal/rollup"
)

const hourLayout = "2006-01-02T15"

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Aggregate one hour of archived readings",
	RunE: withApp(oneShot, func(cmd *cobra.Command, app *gateway.App) error {
		loc := app.Config.Location()
		hour := rollup.HourStart(time.Now(), loc).Add(-time.Hour)
		if v, _ := cmd.Flags().GetString("hour"); v != "" {
			t, err := time.ParseInLocation(hourLayout, v, loc)
			if err != nil {
				return fmt.Errorf("--hour: %w", err)
			}
			hour = t
		}
		n, err := app.Rollups.RunHour(cmd.Context(), hour)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "hour=%s tags=%d\n", hour.Format(hourLayout), n)
		return err
	}),
}

func init() {
	rootCmd.AddCommand(rollupCmd)
	rollupCmd.Flags().String("hour", "", "hour to aggregate as YYYY-MM-DDTHH in the gateway timezone (default: previous hour)")
}
