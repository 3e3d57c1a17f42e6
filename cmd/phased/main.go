// Package main implements the phased CLI: run a multi-phase pipeline
// against a tracked work item, or inspect a run's persisted state.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/contextstore"
	"github.com/fyrsmithlabs/phased/internal/engine"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/statelog"
	"github.com/fyrsmithlabs/phased/internal/telemetry"
)

var (
	configPath string
	phaseID    string
	force      bool
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "phased",
	Short: "Checkpointed multi-phase pipeline runner",
	Long: `phased drives a sequence of phase handlers against a tracked work
item, checkpointing progress after every phase so an interrupted run can
be resumed with the same run id.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <run-id> [target-id]",
	Short: "Start or resume a pipeline run",
	Long: `Start a new pipeline run, or resume one that was interrupted.

Examples:
  # Start (or resume) run issue-42 against tracked item 42
  phased run issue-42 42

  # Resume a previous run, target comes from the checkpoint
  phased run issue-42

  # Execute a single phase outside the loop, for debugging
  phased run issue-42 --phase analysis

Exits 0 when the run ends COMPLETED or RECOVERED, non-zero otherwise.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's persisted checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	runCmd.Flags().StringVar(&phaseID, "phase", "", "execute a single phase handler and exit")
	runCmd.Flags().BoolVar(&force, "force", false, "resume even a completed run")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	runID := args[0]
	targetID := ""
	if len(args) > 1 {
		targetID = args[1]
	}

	if phaseID != "" {
		if err := env.engine.ExecuteSinglePhase(ctx, phaseID, runID); err != nil {
			env.logger.Error(ctx, "single phase execution failed", zap.Error(err))
			return err
		}
		fmt.Printf("phase %s completed\n", phaseID)
		return nil
	}

	result, err := env.engine.StartOrResume(ctx, runID, &engine.StartOptions{
		TargetID: targetID,
		Force:    force,
	})
	if err != nil {
		env.logger.Error(ctx, "run failed to execute", zap.Error(err))
		return err
	}

	fmt.Printf("run %s finished: %s (steps=%d resumes=%d)\n",
		runID, result.Status, result.Run.StepCount, result.Run.ResumeCount)
	if !result.Success() {
		if result.Run.TerminalError != "" {
			fmt.Fprintf(os.Stderr, "terminal error: %s\n", result.Run.TerminalError)
		}
		if result.Run.RecoveryError != "" {
			fmt.Fprintf(os.Stderr, "recovery error: %s\n", result.Run.RecoveryError)
		}
		return fmt.Errorf("run ended in %s", result.Status)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	run, err := env.engine.GetStatus(ctx, args[0])
	if err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			return fmt.Errorf("no checkpoint for run %s (completed runs delete theirs)", args[0])
		}
		return err
	}

	fmt.Printf("run:         %s\n", run.RunID)
	fmt.Printf("target:      %s\n", run.TargetID)
	fmt.Printf("status:      %s\n", run.Status)
	fmt.Printf("steps:       %d\n", run.StepCount)
	fmt.Printf("resumes:     %d\n", run.ResumeCount)
	fmt.Printf("started:     %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("checkpoint:  %s\n", run.LastCheckpointAt.Format("2006-01-02 15:04:05"))
	if run.TerminalError != "" {
		fmt.Printf("error:       %s\n", run.TerminalError)
	}
	if run.RecoveryError != "" {
		fmt.Printf("recovery:    %s\n", run.RecoveryError)
	}
	for _, m := range run.PhaseMetrics {
		line := fmt.Sprintf("  %-20s %-10s %s", m.Phase, m.Status, m.Duration)
		if m.Error != "" {
			line += "  " + m.Error
		}
		fmt.Println(line)
	}
	return nil
}

// environment is the wired component graph behind a CLI invocation.
type environment struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	engine engine.Service
}

func (e *environment) close() {
	if e.tel != nil {
		_ = e.tel.Shutdown(context.Background())
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

func setup(ctx context.Context) (*environment, error) {
	if configPath == "" {
		if err := config.EnsureConfigDir(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	// Export stays off unless a collector is configured.
	telCfg := telemetry.NewDefaultConfig()
	if os.Getenv("OTEL_ENABLE") == "true" {
		telCfg.Enabled = true
	}
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		telCfg.Endpoint = ep
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded, continuing without export")
	}

	log, err := statelog.Open(cfg.RepoPath, &statelog.Config{Ref: cfg.StateLog.Ref}, logger)
	if err != nil {
		return nil, err
	}
	if err := log.Init(ctx); err != nil {
		return nil, err
	}

	store, err := contextstore.New(&contextstore.Config{
		Dir:        cfg.Lock.Dir,
		StaleAfter: cfg.Lock.StaleAfter.Duration(),
		Retries:    cfg.Lock.Retries,
		MinWait:    cfg.Lock.MinWait.Duration(),
		MaxWait:    cfg.Lock.MaxWait.Duration(),
	}, log, logger)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(&engine.Config{
		MaxSteps:   cfg.Engine.MaxSteps,
		Timeout:    cfg.Engine.Timeout.Duration(),
		PhaseDelay: cfg.Engine.PhaseDelay.Duration(),
	}, store, newPhaseProvider(cfg, store, logger), newRecoveryHandler(cfg, logger), logger)
	if err != nil {
		return nil, err
	}

	return &environment{cfg: cfg, logger: logger, tel: tel, engine: eng}, nil
}
