package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"scada-gateway/internal/config"
	"scada-gateway/internal/gateway"
	"scada-gateway/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "scada-gateway",
	Short:         "Poll Modbus field devices and persist readings",
	Long:          "Polls a Modbus TCP/RTU device on a fixed interval, scales and alarms each configured tag, and writes readings, operational logs and connection health to the configured backend.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runService,
}

// Execute runs the command tree with ctx, which is cancelled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file; environment variables override it")
}

func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// withApp builds the gateway for a command and closes it afterwards. adjust
// may narrow the config, e.g. to disable the status server for one-shot commands.
func withApp(adjust func(*config.Config), run func(cmd *cobra.Command, app *gateway.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if adjust != nil {
			adjust(&cfg)
		}
		app, err := gateway.New(cfg, log)
		if err != nil {
			log.WithError(err).Error("gateway startup failed")
			return err
		}
		defer func() {
			if err := app.Close(); err != nil {
				log.WithError(err).Warn("shutdown")
			}
		}()
		return run(cmd, app)
	}
}

// oneShot disables the long-running surfaces.
func oneShot(cfg *config.Config) {
	cfg.Status.Addr = ""
	cfg.NATS.URL = ""
}
