package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/transparency"
)

var (
	logSession string
	logAgent   string
	logTypes   []string
	logSince   time.Duration
	logFailed  bool
	logLimit   int
	logStats   bool
	logJSON    bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Query the transparency log",
	Long: `Show recorded events: tool calls, task transitions, session lifecycle,
lease conflicts and errors. Newest first.`,
	RunE: runLog,
}

func init() {
	logCmd.Flags().StringVar(&logSession, "session", "", "only events of this session")
	logCmd.Flags().StringVar(&logAgent, "agent", "", "only events of this agent")
	logCmd.Flags().StringSliceVar(&logTypes, "type", nil, "only these event types (repeatable)")
	logCmd.Flags().DurationVar(&logSince, "since", 0, "only events newer than this, e.g. 1h")
	logCmd.Flags().BoolVar(&logFailed, "failed", false, "only unsuccessful events")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 50, "maximum number of events")
	logCmd.Flags().BoolVar(&logStats, "stats", false, "show aggregate statistics instead of events")
	logCmd.Flags().BoolVar(&logJSON, "json", false, "print as JSON")
}

func logFilter(now time.Time) transparency.Filter {
	f := transparency.Filter{
		SessionID: logSession,
		AgentID:   logAgent,
		Limit:     logLimit,
	}
	for _, t := range logTypes {
		f.Types = append(f.Types, transparency.EventType(t))
	}
	if logSince > 0 {
		f.Since = now.Add(-logSince)
	}
	if logFailed {
		f.Success = transparency.Bool(false)
	}
	return f
}

func runLog(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	tlog := transparency.New(e.db, transparency.WithLogger(e.logger.WithComponent("transparency")))
	f := logFilter(time.Now())

	if logStats {
		f.Limit = 0
		stats, err := tlog.Stats(cmd.Context(), f)
		if err != nil {
			return err
		}
		if logJSON {
			return writeJSON(os.Stdout, stats)
		}
		printStats(stats)
		return nil
	}

	events, err := tlog.Query(cmd.Context(), f)
	if err != nil {
		return err
	}
	if logJSON {
		return writeJSON(os.Stdout, events)
	}
	if len(events) == 0 {
		fmt.Println("No events.")
		return nil
	}
	for _, ev := range events {
		printLogEvent(ev)
	}
	return nil
}

func printLogEvent(ev transparency.Event) {
	symbol, attr := "·", color.FgWhite
	if ev.Success != nil {
		if *ev.Success {
			symbol, attr = "✓", color.FgGreen
		} else {
			symbol, attr = "✗", color.FgRed
		}
	}
	line := fmt.Sprintf("%s  %-20s", ev.Timestamp.Local().Format("15:04:05.000"), ev.Type)
	if ev.AgentID != "" {
		line += " agent=" + ev.AgentID
	}
	if ev.SessionID != "" {
		line += " session=" + ev.SessionID
	}
	if ev.ToolName != "" {
		line += " tool=" + ev.ToolName
	}
	if ev.Duration > 0 {
		line += " " + ev.Duration.Round(time.Millisecond).String()
	}
	if ev.Error != "" {
		line += " error=" + truncate(ev.Error, 80)
	}
	printStatus(symbol, line, attr)
}

func printStats(s *transparency.Stats) {
	fmt.Println(titleStyle.Render("Transparency log"))
	fmt.Printf("  events:        %d\n", s.TotalEvents)
	fmt.Printf("  success rate:  %.1f%%\n", s.SuccessRate*100)
	fmt.Printf("  avg duration:  %.0fms\n", s.AverageDuration)

	if len(s.EventsByType) > 0 {
		fmt.Println("  by type:")
		types := make([]string, 0, len(s.EventsByType))
		for t := range s.EventsByType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("    %-22s %d\n", t, s.EventsByType[transparency.EventType(t)])
		}
	}
	if len(s.EventsByAgent) > 0 {
		fmt.Println("  by agent:")
		agents := make([]string, 0, len(s.EventsByAgent))
		for a := range s.EventsByAgent {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		for _, a := range agents {
			fmt.Printf("    %-22s %d\n", a, s.EventsByAgent[a])
		}
	}
	if len(s.RecentErrors) > 0 {
		fmt.Println("  recent errors:")
		for _, ev := range s.RecentErrors {
			printStatus("   ✗", fmt.Sprintf("%s %s: %s", ev.Timestamp.Local().Format(time.DateTime), ev.Type, truncate(ev.Error, 80)), color.FgRed)
		}
	}
}
