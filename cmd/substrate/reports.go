package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nidhogg/memory-substrate/internal/cache"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Follow maintenance job reports published by the fleet",
	RunE:  runReports,
}

func runReports(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Redis.URL == "" {
		return fmt.Errorf("reports: redis.url is not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := cache.NewRedis(ctx, cfg.Redis.URL, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	for report := range r.Subscribe(ctx) {
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	return nil
}
