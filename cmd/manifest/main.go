// Package main provides the manifest binary entry point.
//
// Manifest turns a natural-language feature request into an applied
// code change: it compiles the request into an executable specification,
// generates candidate implementations in parallel, verifies each in an
// isolated workspace, ranks the survivors, and presents them for a
// human's judgment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manifestdev/manifest/config"
	"github.com/manifestdev/manifest/orchestrator"
	"github.com/manifestdev/manifest/store"
)

const (
	version   = "0.1.0"
	buildTime = "dev"
	appName   = "manifest"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		repoPath   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Compile a feature request into a verified code change",
		Long: `Manifest compiles a natural-language feature request into an
executable specification, generates candidate implementations in
parallel, verifies each in an isolated workspace, ranks the survivors,
and presents them for a human's judgment.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	cmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "repository path to operate on")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&configPath, &repoPath, &logLevel))
	cmd.AddCommand(statusCmd(&configPath, &repoPath, &logLevel))
	cmd.AddCommand(abortCmd(&configPath, &repoPath, &logLevel))
	cmd.AddCommand(historyCmd(&configPath, &repoPath, &logLevel))
	cmd.AddCommand(judgeCmd(&configPath, &repoPath, &logLevel))
	cmd.AddCommand(versionCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, version, buildTime)
		},
	}
}

// runCmd starts a brand new Intent from a raw feature request and blocks
// until the pipeline halts at clarifying, judging, or a terminal status.
// --session continues an existing session (e.g. after a redirect); left
// empty, a fresh session id is generated.
func runCmd(configPath, repoPath, logLevel *string) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Compile and run a feature request through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *repoPath, *logLevel, func(ctx context.Context, a *App) error {
				res, err := a.orchestrator.Run(ctx, args[0], sessionID)
				if err != nil {
					return err
				}
				printResult(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue (default: start a new session)")
	return cmd
}

func statusCmd(configPath, repoPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <intent-id>",
		Short: "Show an intent's current phase and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *repoPath, *logLevel, func(ctx context.Context, a *App) error {
				in, err := a.orchestrator.Status(ctx, args[0])
				if err != nil {
					return err
				}
				printIntent(in)
				return nil
			})
		},
	}
}

func abortCmd(configPath, repoPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <intent-id>",
		Short: "Cancel a running or pending intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *repoPath, *logLevel, func(ctx context.Context, a *App) error {
				if err := a.orchestrator.Abort(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("intent %s aborted\n", args[0])
				return nil
			})
		},
	}
}

func historyCmd(configPath, repoPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List past intents, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *repoPath, *logLevel, func(ctx context.Context, a *App) error {
				intents, err := a.orchestrator.History(ctx)
				if err != nil {
					return err
				}
				if len(intents) == 0 {
					fmt.Println("no intents recorded")
					return nil
				}
				for _, in := range intents {
					fmt.Printf("%-40s %-12s %s\n", in.ID, in.Status, truncate(in.RawMessage, 60))
				}
				return nil
			})
		},
	}
}

// judgeCmd applies a human decision to an Intent waiting at the judging
// phase: accept a survivor, refine or redirect with more text, or abort.
func judgeCmd(configPath, repoPath, logLevel *string) *cobra.Command {
	var survivorID, text string

	cmd := &cobra.Command{
		Use:   "judge <intent-id> <accept|refine|redirect|abort>",
		Short: "Apply a judgment to an intent awaiting a decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := store.JudgmentDecision(args[1])
			switch decision {
			case store.DecisionAccept, store.DecisionRefine, store.DecisionRedirect, store.DecisionAbort:
			default:
				return fmt.Errorf("unknown decision %q (want accept, refine, redirect, or abort)", args[1])
			}
			return withApp(*configPath, *repoPath, *logLevel, func(ctx context.Context, a *App) error {
				res, err := a.orchestrator.Judge(ctx, args[0], decision, survivorID, text)
				if err != nil {
					return err
				}
				if res != nil {
					printResult(res)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&survivorID, "survivor", "", "survivor id to accept")
	cmd.Flags().StringVar(&text, "text", "", "refinement or redirect text")
	return cmd
}

// withApp loads config, builds and starts an App, runs fn under a
// context cancelled on SIGINT/SIGTERM, and shuts the App down on exit.
func withApp(configPath, repoPath, logLevel string, fn func(ctx context.Context, a *App) error) error {
	logger := newLogger(logLevel)

	cfg, err := loadConfig(configPath, repoPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, logger)
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start manifest: %w", err)
	}
	defer app.Shutdown(10 * time.Second)

	return fn(ctx, app)
}

func loadConfig(configPath, repoPath string) (*config.Config, error) {
	loader := config.NewLoader(slog.Default())
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		override, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(override)
	}
	if repoPath != "" && repoPath != "." {
		abs, err := resolveRepoPath(repoPath)
		if err != nil {
			return nil, err
		}
		cfg.Repo.Path = abs
	}
	return cfg, nil
}

func resolveRepoPath(repoPath string) (string, error) {
	info, err := os.Stat(repoPath)
	if err != nil {
		return "", fmt.Errorf("stat repo path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", repoPath)
	}
	return repoPath, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// printResult reports an orchestrator Result: a halted Intent awaiting
// clarification, a ranked batch of Survivors awaiting judgment, or a
// no_survivors outcome with its aggregated failure reasons. No survivors
// is a successful outcome, not an error, so it prints the same as any
// other Result rather than being routed through main's error path.
func printResult(res *orchestrator.Result) {
	printIntent(res.Intent)
	if len(res.Questions) > 0 {
		fmt.Println("clarification needed:")
		for _, q := range res.Questions {
			fmt.Printf("  - %s\n", q)
		}
		return
	}
	if len(res.Survivors) == 0 && len(res.FailureSummary) > 0 {
		fmt.Println("no survivors:")
		for _, reason := range res.FailureSummary {
			fmt.Printf("  - %s\n", reason)
		}
		return
	}
	for _, sv := range res.Survivors {
		fmt.Printf("rank %d  survivor %s  attempt %s  overall %.3f\n",
			sv.Rank, sv.ID, sv.AttemptID, sv.Score.Overall)
	}
}

func printIntent(in *store.Intent) {
	fmt.Printf("id:       %s\n", in.ID)
	fmt.Printf("status:   %s\n", in.Status)
	fmt.Printf("created:  %s\n", in.CreatedAt.Format(time.RFC3339))
	fmt.Printf("updated:  %s\n", in.UpdatedAt.Format(time.RFC3339))
	if in.Parsed != nil && len(in.Parsed.Unclear) > 0 {
		fmt.Println("unclear:")
		for _, q := range in.Parsed.Unclear {
			fmt.Printf("  - %s\n", q)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
