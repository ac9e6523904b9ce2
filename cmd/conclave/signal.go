package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/signals"
)

var signalCmd = &cobra.Command{
	Use:       "signal pause|resume|kill",
	Short:     "Steer a running conclave in this repository",
	Long:      `Drop a control file that a running "conclave run" picks up: pause holds new task admissions, resume lets them continue and kill stops the run.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(signals.Pause), string(signals.Resume), string(signals.Kill)},
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repoPath()
		if err != nil {
			return err
		}
		s := signals.Signal(args[0])
		if err := signals.Send(repo, s); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("sent %s", s), color.FgGreen)
		return nil
	},
}
