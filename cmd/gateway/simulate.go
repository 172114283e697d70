package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"scada-gateway/internal/logging"
	"scada-gateway/internal/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a Modbus TCP field-device simulator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log, err := logging.New("info", "text", os.Stderr)
		if err != nil {
			return err
		}
		seed := simulator.Seed{Listen: "127.0.0.1:1502"}
		if path, _ := cmd.Flags().GetString("seed"); path != "" {
			if seed, err = simulator.LoadSeed(path); err != nil {
				return err
			}
		}
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			seed.Listen = addr
		}

		dev := simulator.New()
		if err := dev.Apply(seed); err != nil {
			return err
		}
		if err := dev.Listen(seed.Listen); err != nil {
			return err
		}
		defer dev.Close()
		log.WithFields(logrus.Fields{"addr": dev.Addr().String(), "points": len(seed.Points)}).Info("simulator listening")

		<-cmd.Context().Done()
		log.WithField("requests", dev.Requests()).Info("simulator stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().String("seed", "", "YAML seed file with the initial register image")
	simulateCmd.Flags().String("listen", "", "listen address, overrides the seed file")
}
