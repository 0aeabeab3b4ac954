// Command paygatectl administers a paygate deployment: API keys, retention
// cleanup, status reconciliation and webhook retries.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cassiomorais/paygate/internal/bootstrap"
	"github.com/cassiomorais/paygate/internal/domain/apikey"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/spf13/cobra"
)

var Version = "dev"

type keyManager interface {
	Generate(ctx context.Context, in service.GenerateKeyInput) (*apikey.Issued, error)
	Revoke(ctx context.Context, keyID string) (*apikey.APIKey, error)
	List(ctx context.Context, includeRevoked bool) ([]*apikey.APIKey, error)
}

type maintenance interface {
	Cleanup(ctx context.Context, in service.CleanupInput) (*service.CleanupReport, error)
	SyncPending(ctx context.Context, filter transaction.SyncFilter) (*service.SyncReport, error)
}

type webhookRetrier interface {
	RetryFailed(ctx context.Context, filter service.RetryFilter) (int, error)
}

// backend is what the commands operate on. Tests substitute fakes.
type backend struct {
	keys     keyManager
	ops      maintenance
	webhooks webhookRetrier
}

type openFunc func(ctx context.Context) (*backend, func(), error)

func openApp(ctx context.Context) (*backend, func(), error) {
	app, err := bootstrap.New(ctx, "paygatectl", "paygatectl")
	if err != nil {
		return nil, nil, err
	}
	svc, err := app.Services()
	if err != nil {
		app.Close()
		return nil, nil, err
	}
	return &backend{keys: svc.Keys, ops: svc.Orchestrator, webhooks: svc.Webhooks}, app.Close, nil
}

func main() {
	if err := newRootCmd(openApp, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(open openFunc, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "paygatectl",
		Short:         "Administer the paygate payment gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.AddCommand(keysCmd(open))
	root.AddCommand(cleanupCmd(open))
	root.AddCommand(syncCmd(open))
	root.AddCommand(webhooksCmd(open))
	return root
}

// withBackend opens the backend for the duration of one command.
func withBackend(cmd *cobra.Command, open openFunc, fn func(ctx context.Context, b *backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, closeFn, err := open(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if closeFn != nil {
		defer closeFn()
	}
	return fn(ctx, b)
}
