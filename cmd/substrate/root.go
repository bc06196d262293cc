package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "substrate",
	Short:         "Multi-tenant memory substrate for AI agents",
	Long:          "substrate stores agent memory packets, facts and entity relationships per tenant and keeps them healthy with background maintenance.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	def := os.Getenv("CONFIG_PATH")
	if def == "" {
		def = "configs/substrate.json"
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", def, "path to the JSON config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reportsCmd)
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if lvl, perr := zap.ParseAtomicLevel(level); perr == nil {
			zc.Level = lvl
		}
		logger, err = zc.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
