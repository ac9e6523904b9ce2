package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/queue"
	"github.com/ShayCichocki/conclave/internal/transparency"
)

var (
	queueStatus    string
	queueWorkspace string
	queueLimit     int
	queueJSON      bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the coordination queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued, leased and finished tasks",
	RunE:  runQueueList,
}

var queueHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show queue health",
	RunE:  runQueueHealth,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one queue task",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

func init() {
	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "queued, leased, completed or failed")
	queueListCmd.Flags().StringVar(&queueWorkspace, "workspace", "", "only tasks of this workspace")
	queueListCmd.Flags().IntVarP(&queueLimit, "limit", "n", 50, "maximum number of tasks")
	queueCmd.PersistentFlags().BoolVar(&queueJSON, "json", false, "print as JSON")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueHealthCmd)
	queueCmd.AddCommand(queueShowCmd)
}

// openQueue opens the queue the way the orchestrator does, recording into
// the same transparency log.
func openQueue() (*env, *queue.Queue, error) {
	e, err := openEnv()
	if err != nil {
		return nil, nil, err
	}
	tlog := transparency.New(e.db, transparency.WithLogger(e.logger.WithComponent("transparency")))
	q := queue.New(e.db,
		queue.WithLeaseDuration(e.cfg.Queue.LeaseDuration),
		queue.WithLogger(e.logger.WithComponent("queue")),
		queue.WithRecorder(tlog),
	)
	return e, q, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	e, q, err := openQueue()
	if err != nil {
		return err
	}
	defer e.Close()

	tasks, err := q.List(cmd.Context(), queue.ListFilter{
		Status:      queue.Status(queueStatus),
		WorkspaceID: queueWorkspace,
		Limit:       queueLimit,
	})
	if err != nil {
		return err
	}
	if queueJSON {
		return writeJSON(os.Stdout, tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tOWNER\tATTEMPTS\tUPDATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ID, t.Kind, color.New(statusColor(string(t.Status))).Sprint(t.Status),
			t.LeaseOwner, t.Attempts, t.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runQueueHealth(cmd *cobra.Command, args []string) error {
	e, q, err := openQueue()
	if err != nil {
		return err
	}
	defer e.Close()

	h, err := q.Health(cmd.Context())
	if err != nil {
		return err
	}
	if queueJSON {
		return writeJSON(os.Stdout, h)
	}
	if h.OK {
		printStatus("✓", "queue healthy", color.FgGreen)
	} else {
		printStatus("✗", "queue unhealthy: "+h.Error, color.FgRed)
	}
	for _, s := range []queue.Status{queue.StatusQueued, queue.StatusLeased, queue.StatusCompleted, queue.StatusFailed} {
		fmt.Printf("  %-10s %d\n", s, h.Counts[s])
	}
	fmt.Printf("  %-10s %d\n", "total", h.Total)
	if h.ExpiredLeases > 0 {
		printStatus("  !", fmt.Sprintf("%d expired leases", h.ExpiredLeases), color.FgYellow)
	}
	if h.OldestQueuedAge > 0 {
		fmt.Printf("  oldest queued task waiting %s\n", h.OldestQueuedAge.Round(time.Second))
	}
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	e, q, err := openQueue()
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := q.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, t)
}
