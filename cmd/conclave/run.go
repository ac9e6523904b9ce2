package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/decompose"
	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/orchestrator"
	"github.com/ShayCichocki/conclave/internal/signals"
	"github.com/ShayCichocki/conclave/internal/worker"
)

var (
	runPlanFile    string
	runYes         bool
	runMaxParallel int
	runJSON        bool
)

var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Decompose a request and run it on parallel workers",
	Long: `Run a request using parallel worker sessions.

The request is decomposed into role-specialised tasks. The plan is shown
for approval, then tasks start in dependency order, never more than the
configured number at once. A failed task blocks everything that depends on
it; independent branches keep running.

Use --plan to run a hand-written plan file instead of decomposing.

While a run is active, "conclave signal pause|resume|kill" steers it from
another shell. Ctrl-C stops admissions and tears the run down.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "run the tasks in this YAML plan file")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "approve the plan without prompting")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "override scheduler.max_parallel_agents")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final report as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	request := strings.TrimSpace(strings.Join(args, " "))
	if request == "" && runPlanFile == "" {
		return errors.New("a request or --plan is required")
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	if runMaxParallel > 0 {
		e.cfg.Scheduler.MaxParallelAgents = runMaxParallel
	}
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	if e.cfg.Metrics.Addr != "" {
		go func() {
			if err := m.Serve(ctx, e.cfg.Metrics.Addr, e.logger); err != nil {
				e.logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	var gate orchestrator.ApprovalGate = orchestrator.AutoApprove{}
	if !runYes {
		channelGate := orchestrator.NewChannelApprovalGate()
		gate = channelGate
		go promptApprovals(ctx, channelGate, os.Stdin)
	}

	spawner := worker.NewProcessSpawner(e.cfg.Worker.Command, e.cfg.Worker.Args...)
	orch, err := orchestrator.New(
		orchestrator.RequiredConfig{RepoPath: e.repo, Spawner: spawner, Store: e.db},
		orchestrator.WithConfig(e.cfg),
		orchestrator.WithLogger(e.logger),
		orchestrator.WithMetrics(m),
		orchestrator.WithApprovalGate(gate),
	)
	if err != nil {
		return err
	}
	if err := orch.Init(ctx); err != nil {
		return err
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range orch.Events() {
			if !runJSON {
				printEvent(ev)
			}
		}
	}()
	defer func() {
		orch.Shutdown(context.Background())
		<-printed
	}()

	// First interrupt stops admissions and lets the run wind down, the
	// second cancels outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nReceived interrupt, stopping...")
		orch.Stop()
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	watcher, err := signals.Watch(e.repo, e.logger)
	if err != nil {
		e.logger.Warn("signal watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
		go forwardSignals(ctx, watcher, orch)
	}

	var (
		report *orchestrator.Report
		runErr error
	)
	if runPlanFile != "" {
		tasks, err := decompose.LoadPlan(runPlanFile)
		if err != nil {
			return err
		}
		label := request
		if label == "" {
			label = "plan " + runPlanFile
		}
		report, runErr = orch.ExecuteTasks(ctx, label, tasks)
	} else {
		report, runErr = orch.Execute(ctx, request)
	}
	if report == nil {
		return runErr
	}

	if runJSON {
		if werr := writeJSON(os.Stdout, report); werr != nil {
			return werr
		}
	} else {
		printReport(report)
	}
	if runErr != nil {
		return runErr
	}
	if !report.Succeeded() {
		return fmt.Errorf("run %s finished %s", report.RunID, report.Status)
	}
	return nil
}

// forwardSignals applies file-based control signals to the orchestrator.
func forwardSignals(ctx context.Context, w *signals.Watcher, orch *orchestrator.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-w.Signals():
			if !ok {
				return
			}
			switch s {
			case signals.Kill:
				orch.Stop()
			case signals.Pause:
				orch.Pause()
			case signals.Resume:
				orch.Resume()
			}
		}
	}
}

// promptApprovals shows each plan and reads a decision from in.
func promptApprovals(ctx context.Context, gate *orchestrator.ChannelApprovalGate, in io.Reader) {
	reader := bufio.NewReader(in)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-gate.Requests():
			fmt.Println(renderPlan(req.Graph))
			d := readDecision(reader, os.Stdout)
			if !gate.Submit(req.ID, d) {
				printStatus("!", "plan review expired", color.FgYellow)
			}
		}
	}
}

// readDecision prompts until it gets an answer. "m <file>" replaces the
// plan with the tasks in file. EOF cancels.
func readDecision(r *bufio.Reader, w io.Writer) orchestrator.Decision {
	for {
		fmt.Fprint(w, "Proceed? [a]pprove, [s]implify, [m]odify <plan.yaml>, [c]ancel: ")
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return orchestrator.Decision{Action: orchestrator.DecisionCancel, Reason: "no input"}
		}
		d, perr := parseDecision(line)
		if perr == nil {
			return d
		}
		fmt.Fprintln(w, perr)
		if err != nil {
			return orchestrator.Decision{Action: orchestrator.DecisionCancel, Reason: "no input"}
		}
	}
}

func parseDecision(line string) (orchestrator.Decision, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return orchestrator.Decision{Action: orchestrator.DecisionApprove}, nil
	}
	switch strings.ToLower(fields[0]) {
	case "a", "approve", "y", "yes":
		return orchestrator.Decision{Action: orchestrator.DecisionApprove}, nil
	case "s", "simplify":
		return orchestrator.Decision{Action: orchestrator.DecisionSimplify, Reason: "simplified at prompt"}, nil
	case "c", "cancel", "n", "no":
		return orchestrator.Decision{Action: orchestrator.DecisionCancel, Reason: "canceled at prompt"}, nil
	case "m", "modify":
		if len(fields) < 2 {
			return orchestrator.Decision{}, errors.New("modify needs a plan file")
		}
		tasks, err := decompose.LoadPlan(fields[1])
		if err != nil {
			return orchestrator.Decision{}, err
		}
		return orchestrator.Decision{Action: orchestrator.DecisionModify, Tasks: tasks, Reason: "modified from " + fields[1]}, nil
	default:
		return orchestrator.Decision{}, fmt.Errorf("unknown answer %q", fields[0])
	}
}
