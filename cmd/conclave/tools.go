package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/queue"
	"github.com/ShayCichocki/conclave/internal/tools"
	"github.com/ShayCichocki/conclave/internal/transparency"
)

var toolsAgentID string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Expose the queue and transparency log to agents",
}

var toolsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve coordination tools over stdio (JSON-RPC 2.0)",
	Long: `Serve the coordination tools on stdin/stdout, one JSON-RPC 2.0 message
per line. Workers launch this as a tool server to enqueue, lease, complete
and fail queue tasks and to read the transparency log.

Logs go to the log file; stdout carries protocol messages only.`,
	RunE: runToolsServe,
}

func init() {
	toolsServeCmd.Flags().StringVar(&toolsAgentID, "agent-id", "", "agent id recorded on tool calls (default: client name)")
	toolsCmd.AddCommand(toolsServeCmd)
}

func runToolsServe(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if e.cfg.Metrics.Addr != "" {
		go func() {
			if err := m.Serve(ctx, e.cfg.Metrics.Addr, e.logger); err != nil {
				e.logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	tlog := transparency.New(e.db, transparency.WithLogger(e.logger.WithComponent("transparency")))
	q := queue.New(e.db,
		queue.WithLeaseDuration(e.cfg.Queue.LeaseDuration),
		queue.WithLogger(e.logger.WithComponent("queue")),
		queue.WithRecorder(tlog),
	)
	agentID := toolsAgentID
	if agentID == "" {
		agentID = os.Getenv("CONCLAVE_SESSION_ID")
	}
	server := tools.NewServer(q, tlog,
		tools.WithLogger(e.logger),
		tools.WithMetrics(m),
		tools.WithAgentID(agentID),
	)
	e.logger.Info("tool server starting", "agent_id", agentID)
	return server.Serve(ctx)
}
