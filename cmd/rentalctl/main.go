package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bcnelson/instance-rental/internal/app"
	"github.com/bcnelson/instance-rental/internal/config"
	"github.com/bcnelson/instance-rental/internal/service"
)

const defaultBatch = 10

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "rentalctl",
		Short:         "Administrative tasks for the instance rental service",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		newCleanupCommand(out),
		newMigrateCommand(out),
		newSweepCommand(out),
		newSeedCommand(),
	)
	return root
}

// withApp loads configuration, assembles the application and closes it
// once fn returns.
func withApp(ctx context.Context, fn func(*app.App) error) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()
	return fn(a)
}

func newCleanupCommand(out io.Writer) *cobra.Command {
	var (
		dryRun bool
		number int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Args:  cobra.NoArgs,
		Short: "Delete stack sets that no longer have instances, together with their records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				result, err := a.Rentals.CleanupOrphans(cmd.Context(), number, dryRun)
				printResult(out, "removed", result, dryRun)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be removed without removing it")
	cmd.Flags().IntVarP(&number, "number", "n", defaultBatch, "Maximum number of rentals to examine")
	return cmd
}

func newMigrateCommand(out io.Writer) *cobra.Command {
	var (
		dryRun     bool
		number     int
		stateError bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Args:  cobra.NoArgs,
		Short: "Back-fill instance linkage of rental records from live infrastructure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				result, err := a.Rentals.Migrate(cmd.Context(), number, stateError, dryRun)
				printResult(out, "migrated", result, dryRun)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be migrated without writing")
	cmd.Flags().IntVarP(&number, "number", "n", defaultBatch, "Maximum number of rentals to migrate")
	cmd.Flags().BoolVar(&stateError, "migrate-state-error", false, "Select records in the error state instead of records without a status")
	return cmd
}

func newSweepCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Args:  cobra.NoArgs,
		Short: "Run one expiry sweep: start cleanups for expired rentals and send expiry notices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Sweeper.Run(cmd.Context())
				if report != nil {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(report); encErr != nil {
						return errors.Join(err, encErr)
					}
				}
				return err
			})
		},
	}
}

func newSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Args:  cobra.ExactArgs(1),
		Short: "Load group permissions and regional network profiles from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				return a.Seed(cmd.Context(), args[0])
			})
		},
	}
}

func printResult(out io.Writer, verb string, result *service.AdminResult, dryRun bool) {
	if result == nil {
		return
	}
	prefix := ""
	if dryRun {
		prefix = "[dry-run] "
	}
	for _, id := range result.Processed {
		fmt.Fprintf(out, "%s%s %s\n", prefix, verb, id)
	}
	for _, id := range result.Skipped {
		fmt.Fprintf(out, "%sskipped %s\n", prefix, id)
	}
	fmt.Fprintf(out, "%s%d %s, %d skipped\n", prefix, len(result.Processed), verb, len(result.Skipped))
}
