package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/spf13/cobra"
)

func cleanupCmd(open openFunc) *cobra.Command {
	var (
		days   int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Retire old transactions and purge expired operational records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				report, err := b.ops.Cleanup(ctx, service.CleanupInput{Days: days, DryRun: dryRun})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				verb := "removed"
				if report.DryRun {
					verb = "would remove"
				}
				fmt.Fprintf(out, "cutoff %s\n", report.Cutoff.UTC().Format(time.RFC3339))
				fmt.Fprintf(out, "transactions:     %s %d\n", verb, report.TransactionsRetired)
				fmt.Fprintf(out, "webhook logs:     %s %d\n", verb, report.WebhookLogsDeleted)
				fmt.Fprintf(out, "outbox events:    %s %d\n", verb, report.OutboxEventsDeleted)
				fmt.Fprintf(out, "idempotency keys: %s %d\n", verb, report.IdempotencyKeysDeleted)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "age in days after which records are removed")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count without deleting")
	return cmd
}

func syncCmd(open openFunc) *cobra.Command {
	var (
		reference string
		provider  string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile pending payments with their providers",
		Example: `  paygatectl sync --payment CKD_7G4K2M9Q1X3Z
  paygatectl sync --provider orange-money --limit 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reference != "" && !transaction.ReferencePattern.MatchString(reference) {
				return fmt.Errorf("--payment must be a CKD_ reference, got %q", reference)
			}
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				report, err := b.ops.SyncPending(ctx, transaction.SyncFilter{
					Reference: reference,
					Provider:  provider,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "synced %d, changed %d, failed %d\n", report.Synced, report.Changed, report.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reference, "payment", "", "sync a single payment by reference")
	cmd.Flags().StringVar(&provider, "provider", "", "only payments of this provider")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum payments to check")
	return cmd
}

func webhooksCmd(open openFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Operate on stored provider callbacks",
	}

	var (
		provider string
		limit    int
	)
	retry := &cobra.Command{
		Use:   "retry-failed",
		Short: "Reprocess failed callbacks that are due for a retry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				n, err := b.webhooks.RetryFailed(ctx, service.RetryFilter{Provider: provider, Limit: limit})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried %d webhook(s) successfully\n", n)
				return nil
			})
		},
	}
	retry.Flags().StringVar(&provider, "provider", "", "only callbacks from this provider")
	retry.Flags().IntVar(&limit, "limit", 50, "maximum callbacks to retry")

	cmd.AddCommand(retry)
	return cmd
}
