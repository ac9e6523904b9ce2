package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/queue"
	"github.com/ShayCichocki/conclave/internal/transparency"
)

var (
	cleanupDays     int
	cleanupQueueAge time.Duration
	cleanupRunAge   time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old events, finished queue tasks and runs",
	Long: `Apply retention to the state database.

This command:
  - Deletes transparency events older than --days (default: transparency.retention_days)
  - Deletes completed and failed queue tasks older than --queue-age
  - Deletes finished runs older than --runs-age

Examples:
  conclave cleanup                 # Apply configured retention
  conclave cleanup --days 7        # Keep one week of events
  conclave cleanup --runs-age 0    # Keep all runs`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "transparency retention in days (default: config)")
	cleanupCmd.Flags().DurationVar(&cleanupQueueAge, "queue-age", 7*24*time.Hour, "age of finished queue tasks to delete (0: keep)")
	cleanupCmd.Flags().DurationVar(&cleanupRunAge, "runs-age", 30*24*time.Hour, "age of finished runs to delete (0: keep)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	days := cleanupDays
	if days <= 0 {
		days = e.cfg.Transparency.RetentionDays
	}
	tlog := transparency.New(e.db, transparency.WithLogger(e.logger.WithComponent("transparency")))
	n, err := tlog.Cleanup(ctx, days)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("removed %d transparency events older than %d days", n, days), color.FgGreen)

	if cleanupQueueAge > 0 {
		q := queue.New(e.db, queue.WithLogger(e.logger.WithComponent("queue")), queue.WithRecorder(tlog))
		n, err := q.Cleanup(ctx, cleanupQueueAge)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("removed %d finished queue tasks", n), color.FgGreen)
	}

	if cleanupRunAge > 0 {
		n, err := e.db.PurgeOldRuns(cleanupRunAge)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("removed %d finished runs", n), color.FgGreen)
	}
	return nil
}
