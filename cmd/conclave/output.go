package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/conclave/internal/graph"
	"github.com/ShayCichocki/conclave/internal/orchestrator"
	"github.com/ShayCichocki/conclave/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	levelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	roleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// printStatus prints a status message with a colored symbol.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	c.Printf("%s ", symbol)
	fmt.Println(message)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderPlan draws the plan one dependency level at a time.
func renderPlan(eg *graph.ExecutionGraph) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d tasks", len(eg.Tasks))))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  estimated %dm, critical path %dm, max concurrency %d",
		eg.TotalEstimatedTime, eg.CriticalPathTime, eg.MaxConcurrency)))
	b.WriteString("\n")

	for i, level := range eg.Levels() {
		b.WriteString("\n")
		b.WriteString(levelStyle.Render(fmt.Sprintf("Level %d", i)))
		b.WriteString("\n")
		for _, id := range level {
			b.WriteString("  ")
			b.WriteString(renderTask(eg.Task(id)))
			b.WriteString("\n")
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func renderTask(t *models.Task) string {
	line := fmt.Sprintf("%-14s %s %s", t.ID, roleStyle.Render("["+t.AssignedRole+"]"), t.Title)
	var extra []string
	if t.EstimatedMinutes > 0 {
		extra = append(extra, fmt.Sprintf("%dm", t.EstimatedMinutes))
	}
	if len(t.DependsOn) > 0 {
		extra = append(extra, "after "+strings.Join(t.DependsOn, ", "))
	}
	if t.Optional {
		extra = append(extra, "optional")
	}
	if len(extra) > 0 {
		line += " " + dimStyle.Render("("+strings.Join(extra, "; ")+")")
	}
	return line
}

// printEvent renders one progress event as a status line.
func printEvent(ev orchestrator.OrchestratorEvent) {
	label := ev.TaskID
	if ev.TaskTitle != "" {
		label = fmt.Sprintf("%s (%s)", ev.TaskID, ev.TaskTitle)
	}
	switch ev.Type {
	case orchestrator.EventPlanReady:
		printStatus("◆", ev.Message, color.FgCyan)
	case orchestrator.EventTaskStarted:
		printStatus("▶", fmt.Sprintf("%s started on %s", label, ev.SessionID), color.FgBlue)
	case orchestrator.EventTaskCompleted:
		printStatus("✓", fmt.Sprintf("%s completed in %s", label, ev.Duration.Round(time.Millisecond)), color.FgGreen)
	case orchestrator.EventTaskFailed:
		printStatus("✗", fmt.Sprintf("%s failed: %v", label, ev.Error), color.FgRed)
	case orchestrator.EventTaskBlocked:
		printStatus("⊘", fmt.Sprintf("%s blocked: %s", label, ev.Message), color.FgYellow)
	case orchestrator.EventTaskOutput:
		if verbose {
			fmt.Fprintln(os.Stdout, dimStyle.Render(fmt.Sprintf("  %s │ %s", ev.TaskID, ev.Message)))
		}
	case orchestrator.EventPaused:
		printStatus("‖", "paused: no new tasks will start", color.FgYellow)
	case orchestrator.EventResumed:
		printStatus("▶", "resumed", color.FgYellow)
	case orchestrator.EventRunDone:
		printStatus("■", ev.Message, color.FgCyan)
	default:
		if verbose && ev.Message != "" {
			fmt.Println(dimStyle.Render(fmt.Sprintf("  %s %s", ev.Type, ev.Message)))
		}
	}
}

// printReport prints the end-of-run summary.
func printReport(r *orchestrator.Report) {
	counts := map[models.TaskStatus]int{}
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	fmt.Println()
	fmt.Println(titleStyle.Render("Run " + r.RunID))
	fmt.Printf("  status:    %s\n", r.Status)
	fmt.Printf("  decision:  %s\n", r.Decision)
	fmt.Printf("  duration:  %s\n", r.Duration.Round(time.Millisecond))
	fmt.Printf("  tasks:     %d completed, %d failed, %d blocked, %d total\n",
		counts[models.TaskStatusCompleted], counts[models.TaskStatusFailed], counts[models.TaskStatusBlocked], len(r.Tasks))
	if r.Error != "" {
		fmt.Printf("  error:     %s\n", r.Error)
	}
	for _, t := range r.Tasks {
		switch t.Status {
		case models.TaskStatusFailed:
			printStatus("  ✗", fmt.Sprintf("%s: %s", t.ID, t.Error), color.FgRed)
		case models.TaskStatusBlocked:
			printStatus("  ⊘", fmt.Sprintf("%s: %s", t.ID, t.BlockedReason), color.FgYellow)
		}
	}
}

func statusColor(status string) color.Attribute {
	switch status {
	case "completed":
		return color.FgGreen
	case "failed", "canceled", "interrupted":
		return color.FgRed
	case "blocked", "leased", "active", "running":
		return color.FgYellow
	default:
		return color.FgWhite
	}
}
