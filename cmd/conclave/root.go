package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/internal/logging"
	"github.com/ShayCichocki/conclave/internal/state"
)

var (
	configFile string
	repoFlag   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "conclave",
	Short: "Multi-agent task orchestrator",
	Long: `Conclave turns a natural-language request into a dependency graph of
role-specialised tasks and runs them on parallel worker sessions.

Tasks are admitted in dependency order up to a concurrency limit. Workers
coordinate through a message bus and a leased task queue, and every
action is recorded in a queryable transparency log.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: user and project config)")
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "repository path (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config when given, the layered config otherwise.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFromPath(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func repoPath() (string, error) {
	if repoFlag != "" {
		return filepath.Abs(repoFlag)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return wd, nil
}

// openStore opens and migrates the repository's state database.
func openStore(cfg *config.Config, repo string) (*state.DB, error) {
	path := cfg.Storage.Path
	if path == "" {
		path = state.ProjectDBPath(repo)
	}
	db, err := state.OpenWithDriver(cfg.Storage.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}
	return db, nil
}

// newLogger writes JSON logs to the configured file, never to stdout.
func newLogger(cfg *config.Config, repo string) (*logging.Logger, error) {
	path := cfg.Logging.Path
	if path == "" {
		path = filepath.Join(repo, ".conclave", "logs", "conclave.log")
	}
	return logging.New(path, cfg.Logging.Level)
}

// env bundles what most commands open first.
type env struct {
	cfg    *config.Config
	repo   string
	logger *logging.Logger
	db     *state.DB
}

func openEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	repo, err := repoPath()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, repo)
	if err != nil {
		return nil, err
	}
	db, err := openStore(cfg, repo)
	if err != nil {
		logger.Close()
		return nil, err
	}
	return &env{cfg: cfg, repo: repo, logger: logger, db: db}, nil
}

func (e *env) Close() {
	e.db.Close()
	e.logger.Close()
}
