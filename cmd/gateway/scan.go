package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"scada-gateway/internal/gateway"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Connect, run one scan cycle and print the results",
	RunE: withApp(oneShot, func(cmd *cobra.Command, app *gateway.App) error {
		ctx := cmd.Context()
		if err := app.Start(ctx); err != nil {
			return err
		}
		report := app.Engine.RunCycle(ctx)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TAG\tADDRESS\tFC\tRAW\tSCALED\tUNIT\tALARM\tERROR")
		for _, r := range report.Results {
			errText := ""
			if r.Err != nil {
				errText = r.Err.Error()
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%g\t%g\t%s\t%s\t%s\n",
				r.Tag.Name, r.Tag.Address, r.Tag.FunctionCode, r.Raw, r.Scaled, r.Tag.Unit, r.Alarm.Type, errText)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "outcome=%s ok=%d failed=%d duration=%s\n",
			report.Outcome, report.Successes, report.Failures, report.Duration)
		return err
	}),
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
