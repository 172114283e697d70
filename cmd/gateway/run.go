package main

import (
	"github.com/spf13/cobra"

	"scada-gateway/internal/gateway"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling service until interrupted",
	RunE:  runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, args []string) error {
	return withApp(nil, func(cmd *cobra.Command, app *gateway.App) error {
		app.Log.WithField("connection", app.Config.Modbus.ConnectionName).Info("gateway starting")
		if err := app.Run(cmd.Context()); err != nil {
			app.Log.WithError(err).Error("gateway stopped")
			return err
		}
		app.Log.Info("gateway stopped")
		return nil
	})(cmd, args)
}
