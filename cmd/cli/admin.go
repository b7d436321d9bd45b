package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/finance-intake/internal/app"
	"github.com/dvloznov/finance-intake/internal/entity"
	"github.com/dvloznov/finance-intake/internal/export"
	"github.com/dvloznov/finance-intake/internal/sweep"
	"github.com/dvloznov/finance-intake/internal/tenant"
	"github.com/spf13/cobra"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Register a tenant and print its API key",
		Long:  `Register a tenant. The API key is printed once; only its hash is stored.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, key, err := tenant.Create(ctx, a.Store, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]string{
					"tenant_id": t.ID,
					"name":      t.Name,
					"api_key":   key,
				})
			})
		},
	})
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <submission-id>",
		Short: "Show a submission and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sub, err := a.Store.GetSubmission(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				files, err := a.Store.ListFiles(ctx, sub.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"submission": sub, "files": files})
			})
		},
	}
	tenantFlag(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <submission-id>",
		Short: "Write a submission's extracted data to an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if out == "" {
					out = "submission-" + args[0] + ".xlsx"
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := export.WriteSubmission(ctx, a.Store, tenantID, args[0], f); err != nil {
					f.Close()
					os.Remove(out)
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				log := logFrom(ctx)
				log.Info().Str("path", out).Msg("Export written")
				return nil
			})
		},
	}
	tenantFlag(cmd)
	cmd.Flags().StringVarP(&out, "output", "o", "", "output path (default: submission-<id>.xlsx)")
	return cmd
}

func reprocessCmd() *cobra.Command {
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "reprocess <file-id>",
		Short: "Reset a processed or failed file so it can be dispatched again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				f, err := a.Machine.Reprocess(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				if enqueue {
					if _, err := a.Dispatcher.Enqueue(ctx, tenantID, f.ID); err != nil {
						return err
					}
					if f, err = a.Store.GetFile(ctx, tenantID, f.ID); err != nil {
						return err
					}
				}
				return printJSON(f)
			})
		},
	}
	tenantFlag(cmd)
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "dispatch the next stage right away")
	return cmd
}

func recomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute <submission-id>",
		Short: "Rebuild a submission's status, counters and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Machine.Recompute(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"submission_id":   res.SubmissionID,
					"status":          res.Status,
					"files_total":     res.FilesTotal,
					"files_processed": res.FilesProcessed,
					"metrics":         res.Metrics,
				})
			})
		},
	}
	tenantFlag(cmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep <" + sweep.StuckFiles + "|" + sweep.OutboxRelay + ">",
		Short:     "Run one maintenance job now",
		Long:      `Run a sweep job once, holding the same lock the scheduler uses.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{sweep.StuckFiles, sweep.OutboxRelay},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				start := time.Now()
				n, err := a.Scheduler.RunOnce(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d item(s) in %s\n", args[0], n, time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func aliasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alias",
		Short: "Manage company aliases",
	}
	add := &cobra.Command{
		Use:   "add <company-id> <alias>",
		Short: "Register an alternative name for a company",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.Store.GetCompany(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				alias, err := entity.NewAlias(tenantID, c.ID, args[1], time.Now())
				if err != nil {
					return err
				}
				if err := a.Store.AddAlias(ctx, alias); err != nil {
					return err
				}
				return printJSON(alias)
			})
		},
	}
	tenantFlag(add)
	cmd.AddCommand(add)
	return cmd
}
