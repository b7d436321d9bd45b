package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvloznov/finance-intake/internal/app"
	"github.com/dvloznov/finance-intake/internal/config"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	tenantID string

	rootCmd = &cobra.Command{
		Use:   "intake",
		Short: "Administer the document intake pipeline",
		Long: `intake talks directly to the pipeline's database and queues. It can register
tenants, submit local documents, inspect submissions and run maintenance jobs.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("INTAKE_CONFIG"), "config file (default: ./config.yaml)")

	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(reprocessCmd())
	rootCmd.AddCommand(recomputeCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(aliasCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads configuration, wires the services and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log, err := logger.NewWithOptions(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return err
	}
	ctx := logger.WithContext(cmd.Context(), log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// tenantFlag registers the --tenant flag that scopes a command.
func tenantFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func logFrom(ctx context.Context) zerolog.Logger {
	return logger.FromContext(ctx)
}
