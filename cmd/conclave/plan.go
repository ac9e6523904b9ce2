package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/decompose"
	"github.com/ShayCichocki/conclave/internal/graph"
)

var (
	planFrom     string
	planOut      string
	planSimplify bool
	planJSON     bool
)

var planCmd = &cobra.Command{
	Use:   "plan [request]",
	Short: "Show the task graph a request decomposes into",
	Long: `Decompose a request without running anything and print the plan by
dependency level.

Use --out to save the plan as YAML, edit it, and run it later with
"conclave run --plan". Use --from to validate and render an existing plan.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planFrom, "from", "", "render this YAML plan file instead of decomposing")
	planCmd.Flags().StringVarP(&planOut, "out", "o", "", "write the plan as YAML to this file")
	planCmd.Flags().BoolVar(&planSimplify, "simplify", false, "drop optional tasks")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d := decompose.New(decompose.WithSystemCap(cfg.Scheduler.SystemConcurrencyCap))

	var eg *graph.ExecutionGraph
	switch {
	case planFrom != "":
		tasks, err := decompose.LoadPlan(planFrom)
		if err != nil {
			return err
		}
		if eg, err = d.FromTasks(tasks); err != nil {
			return err
		}
	case len(args) > 0:
		if eg, err = d.Decompose(strings.Join(args, " ")); err != nil {
			return err
		}
	default:
		return errors.New("a request or --from is required")
	}

	if planSimplify {
		if eg, err = eg.WithTasks(decompose.Simplify(eg.Tasks)); err != nil {
			return err
		}
	}

	if planOut != "" {
		data, err := decompose.MarshalPlan(eg.Tasks)
		if err != nil {
			return err
		}
		if err := os.WriteFile(planOut, data, 0644); err != nil {
			return fmt.Errorf("write plan: %w", err)
		}
	}

	if planJSON {
		return writeJSON(os.Stdout, eg.Tasks)
	}
	fmt.Println(renderPlan(eg))
	if planOut != "" {
		printStatus("✓", "plan written to "+planOut, color.FgGreen)
	}
	return nil
}
