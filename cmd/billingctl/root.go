package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/auth"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
)

func newRootCmd(w wiring) *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the usage metering and billing engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "Directory holding config.yml (default: the usual locations)")

	withEnv := func(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
		cfg, err := w.loadConfig(configDir)
		if err != nil {
			return err
		}
		log := logger.NewLogger(&logger.Config{
			Level:      logger.ParseLevel(cfg.Log.Level),
			TimeFormat: time.RFC3339,
			Output:     cmd.ErrOrStderr(),
		})
		e, err := w.open(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cmd.Context(), e)
	}

	root.AddCommand(
		newMigrateCmd(withEnv),
		newMigrateGroupsCmd(withEnv),
		newValidateCmd(withEnv),
		newCorrectCmd(withEnv),
		newSweepCmd(withEnv),
		newTokenCmd(w, &configDir),
	)
	return root
}

type envRunner func(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error

func newMigrateCmd(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				if err := e.migrate(ctx); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]string{"status": "migrated"})
			})
		},
	}
}

// groupMigration summarises a migrate-groups run over several accounts.
type groupMigration struct {
	AccountsProcessed  int                    `json:"accounts_processed"`
	AccountsFailed     int                    `json:"accounts_failed"`
	GroupIDsBackfilled int                    `json:"group_ids_backfilled"`
	InvoicesRecomputed int                    `json:"invoices_recomputed"`
	BackfillConflicts  int                    `json:"backfill_conflicts"`
	Failures           []model.AccountFailure `json:"failures"`
}

func newMigrateGroupsCmd(withEnv envRunner) *cobra.Command {
	var (
		accountID string
		all       bool
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "migrate-groups",
		Short: "Assign analysis group ids to legacy ungrouped transactions",
		Long: "migrate-groups infers analysis groups for transactions recorded without one and " +
			"writes the recovered ids. Amounts and timestamps are never changed. " +
			"With --dry-run it only prints what would be grouped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				if accountID != "" {
					id, err := uuid.Parse(accountID)
					if err != nil {
						return fmt.Errorf("invalid --account: %w", err)
					}
					if dryRun {
						report, err := e.svcs.Reconcile.ValidateAccount(ctx, id)
						if err != nil {
							return err
						}
						return writeJSON(cmd.OutOrStdout(), report)
					}
					report, err := e.svcs.Reconcile.CorrectAccount(ctx, id, true, cliActor)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), report)
				}

				if dryRun {
					report, err := e.svcs.Reconcile.ValidateGlobal(ctx)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), report)
				}
				summary, err := migrateAll(ctx, e)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), summary)
			})
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID to migrate")
	cmd.Flags().BoolVar(&all, "all", false, "Migrate every account")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without writing")
	cmd.MarkFlagsMutuallyExclusive("account", "all")
	cmd.MarkFlagsOneRequired("account", "all")

	return cmd
}

// migrateAll corrects every account page by page. A failing account is
// recorded and skipped.
func migrateAll(ctx context.Context, e *env) (*groupMigration, error) {
	const pageSize = 200

	summary := &groupMigration{Failures: []model.AccountFailure{}}
	after := uuid.Nil
	for {
		ids, err := e.accounts.ListIDs(ctx, after, pageSize)
		if err != nil {
			return summary, err
		}
		for _, id := range ids {
			report, err := e.svcs.Reconcile.CorrectAccount(ctx, id, true, cliActor)
			if err != nil {
				summary.AccountsFailed++
				summary.Failures = append(summary.Failures, model.AccountFailure{AccountID: id, Error: err.Error()})
				continue
			}
			summary.AccountsProcessed++
			if report.Corrections != nil {
				summary.GroupIDsBackfilled += report.Corrections.GroupIDsBackfilled
				summary.InvoicesRecomputed += report.Corrections.InvoicesRecomputed
			}
			summary.BackfillConflicts += len(report.BackfillConflicts)
		}
		if len(ids) < pageSize {
			return summary, nil
		}
		after = ids[len(ids)-1]
	}
}

func newValidateCmd(withEnv envRunner) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Report ledger, group and invoice inconsistencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				if accountID == "" {
					report, err := e.svcs.Reconcile.ValidateGlobal(ctx)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), report)
				}
				id, err := uuid.Parse(accountID)
				if err != nil {
					return fmt.Errorf("invalid --account: %w", err)
				}
				report, err := e.svcs.Reconcile.ValidateAccount(ctx, id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID (default: all accounts)")
	return cmd
}

func newCorrectCmd(withEnv envRunner) *cobra.Command {
	var (
		accountID string
		autoFix   bool
	)

	cmd := &cobra.Command{
		Use:   "correct",
		Short: "Recompute drifted invoices for one account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := uuid.Parse(accountID)
			if err != nil {
				return fmt.Errorf("invalid --account: %w", err)
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				report, err := e.svcs.Reconcile.CorrectAccount(ctx, id, autoFix, cliActor)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID")
	cmd.Flags().BoolVar(&autoFix, "auto-fix", false, "Apply corrections instead of only reporting")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newSweepCmd(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep batch now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				result, err := e.svcs.Sweep.RunOnce(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newTokenCmd(w wiring, configDir *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := w.loadConfig(*configDir)
			if err != nil {
				return err
			}
			svc, err := auth.NewJWTService(cfg.Auth.AdminJWTSecret, cfg.Auth.AdminAudience)
			if err != nil {
				return err
			}
			token, err := svc.GenerateToken(subject, ttl)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"token":      token,
				"subject":    subject,
				"expires_in": ttl.String(),
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Operator the token identifies")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
