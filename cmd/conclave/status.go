package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/state"
)

var (
	statusLimit int
	statusRun   string
	statusJSON  bool
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recent runs, or the tasks of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "number of runs to show")
	statusCmd.Flags().StringVar(&statusRun, "status", "", "only runs with this status")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	if len(args) == 1 {
		return showRun(e.db, args[0])
	}

	var filter *state.RunStatus
	if statusRun != "" {
		s := state.RunStatus(statusRun)
		filter = &s
	}
	runs, err := e.db.ListRuns(filter, statusLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if statusJSON {
		return writeJSON(os.Stdout, runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet.")
		return nil
	}

	fmt.Println(titleStyle.Render("Recent runs"))
	for _, r := range runs {
		took := "running"
		if r.FinishedAt != nil {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		printStatus("●", fmt.Sprintf("%s  %-11s %s  %s  %s",
			r.ID, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04"), took, truncate(r.Request, 60)),
			statusColor(string(r.Status)))
	}
	return nil
}

func showRun(db *state.DB, id string) error {
	r, err := db.GetRun(id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("run %s not found", id)
	}
	tasks, err := db.ListRunTasks(id)
	if err != nil {
		return fmt.Errorf("list run tasks: %w", err)
	}
	if statusJSON {
		return writeJSON(os.Stdout, map[string]any{"run": r, "tasks": tasks})
	}

	fmt.Println(titleStyle.Render("Run " + r.ID))
	fmt.Printf("  request:   %s\n", r.Request)
	fmt.Printf("  status:    %s\n", color.New(statusColor(string(r.Status))).Sprint(r.Status))
	fmt.Printf("  workspace: %s\n", r.WorkspaceID)
	if r.Error != "" {
		fmt.Printf("  error:     %s\n", r.Error)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tROLE\tSTATUS\tSESSION\tDEPENDS ON\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.TaskID, t.Role, color.New(statusColor(t.Status)).Sprint(t.Status),
			t.SessionID, strings.Join(t.DependsOn, ","), truncate(t.Title, 50))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Error != "" {
			printStatus("  ✗", fmt.Sprintf("%s: %s", t.TaskID, t.Error), color.FgRed)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
