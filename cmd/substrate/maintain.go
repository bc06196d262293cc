package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/scheduler"
)

var maintainCmd = &cobra.Command{
	Use:       "maintain <job>",
	Short:     "Run one maintenance job now and print its report",
	Long:      "Jobs: decay, ttl_eviction, consolidation, view_refresh, or all.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"decay", "ttl_eviction", "consolidation", "view_refresh", "all"},
	RunE:      runMaintain,
}

func runMaintain(cmd *cobra.Command, args []string) error {
	jobs := memory.JobKinds
	if args[0] != "all" {
		kind, err := memory.ParseJobKind(args[0])
		if err != nil {
			return err
		}
		jobs = []memory.JobKind{kind}
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.engine, a.locker, a.publisher, cfg.SchedulerConfig(), logger)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	var failed []memory.JobKind
	for _, kind := range jobs {
		report, err := sched.RunNow(ctx, kind)
		if report != nil {
			enc.Encode(report)
		}
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", kind, err)
			failed = append(failed, kind)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d job(s) failed: %v", len(failed), failed)
	}
	return nil
}
