package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"callmeter/internal/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	flagConfig   string
	flagLogLevel string
	flagBackend  string
)

var rootCmd = &cobra.Command{
	Use:           "callmeter",
	Short:         "Prepaid call metering and billing",
	Long:          "callmeter meters answered calls against prepaid balances, cuts calls off when the balance runs out and charges each call once.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "TOML tuning file (default $"+config.PathEnv+")")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "ledger", "", "Ledger backend: dynamodb or sqlite")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(topUpCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(openAccountCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the persistent flags on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Backend = flagBackend
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
