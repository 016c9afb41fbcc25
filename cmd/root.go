package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"spindle/checkpoint"
	"spindle/config"
	"spindle/llm"
	"spindle/session"
	"spindle/task"
	"spindle/telemetry"
	"spindle/tool"
	"spindle/workspace"
)

const version = "0.3.0"

var (
	flagMode  string
	flagModel string
	flagYes   bool
)

var rootCmd = &cobra.Command{
	Use:   "spindle [task input]",
	Short: "Spindle is a terminal-based autonomous task agent",
	Long: `Spindle runs an AI-driven task loop inside any project folder: the model
reads and edits files through approval-gated tools until the task is done.`,
	Args: cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		input := strings.TrimSpace(strings.Join(args, " "))
		if input == "" {
			fmt.Println("Provide the task input as arguments, e.g.: spindle \"add a --version flag\"")
			os.Exit(1)
		}

		if err := runEngine(cmd.Context(), func(ctx context.Context, eng *task.Engine) error {
			_, err := eng.RunTask(ctx, input, flagMode)
			return err
		}); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagMode, "mode", "m", "", "Tool policy mode (code, ask)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "Override the configured model (provider:model)")
	rootCmd.PersistentFlags().BoolVarP(&flagYes, "yes", "y", false, "Auto-approve all tool actions")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(restoreCmd)
}

// runEngine builds the engine from workspace config and drives fn alongside
// the console event renderer
func runEngine(ctx context.Context, fn func(context.Context, *task.Engine) error) error {
	workspacePath, err := workspace.DetectWorkspace()
	if err != nil {
		return fmt.Errorf("failed to detect workspace: %w", err)
	}
	if err := workspace.EnsureStateDir(workspacePath); err != nil {
		return fmt.Errorf("failed to create .spindle directory: %w", err)
	}

	cfg, err := config.LoadConfig(workspacePath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagMode == "" {
		flagMode = cfg.Mode
	}

	shutdownTracing, err := telemetry.InitFromEnv(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	adapter, err := llm.CreateAdapter(cfg.Model, cfg.APIKey, cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to create model adapter: %w", err)
	}

	store, err := session.NewFileStore(workspacePath)
	if err != nil {
		return err
	}

	var checkpoints checkpoint.Manager
	if cfg.EnableCheckpoints {
		checkpoints, err = checkpoint.NewGitManager(workspacePath)
		if err != nil {
			fmt.Printf("Warning: checkpoints disabled: %v\n", err)
			checkpoints = nil
		}
	}

	tracker, err := workspace.NewTracker(workspacePath)
	if err != nil {
		fmt.Printf("Warning: workspace change tracking disabled: %v\n", err)
		tracker = nil
	} else {
		defer tracker.Close()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	eng := task.NewEngine(task.EngineConfig{
		WorkspacePath:  workspacePath,
		Adapter:        adapter,
		Registry:       tool.DefaultRegistry(),
		Persist:        store,
		Checkpoints:    checkpoints,
		Tracker:        tracker,
		Logger:         logger,
		MaxRetries:     cfg.MaxAPIRetries,
		EnableShell:    cfg.EnableShell,
		MaxFileSize:    cfg.MaxFileSize,
		CommandTimeout: time.Duration(cfg.CommandTimeoutSecs) * time.Second,
	})
	defer eng.Close()

	console := newConsole(eng, flagYes)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		console.renderEvents(ctx)
		return nil
	})
	g.Go(func() error {
		defer console.stop()
		return fn(ctx, eng)
	})
	return g.Wait()
}
