package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/spf13/cobra"
)

func keysCmd(open openFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage merchant API keys",
	}
	cmd.AddCommand(keysGenerateCmd(open))
	cmd.AddCommand(keysRevokeCmd(open))
	cmd.AddCommand(keysListCmd(open))
	return cmd
}

func keysGenerateCmd(open openFunc) *cobra.Command {
	var (
		name      string
		env       string
		scopes    []string
		rateLimit int
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key. The secret is printed once and never stored.",
		Example: `  paygatectl keys generate --name checkout --env production --scopes payments:create,payments:read
  paygatectl keys generate --name ops --scopes admin:read,admin:write --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				issued, err := b.keys.Generate(ctx, service.GenerateKeyInput{
					Name:        name,
					Environment: apikey.Environment(env),
					Scopes:      scopes,
					RateLimit:   rateLimit,
					ExpiresIn:   expiresIn,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "key_id:     %s\n", issued.Key.KeyID)
				fmt.Fprintf(out, "scopes:     %s\n", strings.Join(issued.Key.Scopes, ","))
				fmt.Fprintf(out, "rate_limit: %d\n", issued.Key.RateLimit)
				if issued.Key.ExpiresAt != nil {
					fmt.Fprintf(out, "expires_at: %s\n", issued.Key.ExpiresAt.Format(time.RFC3339))
				}
				fmt.Fprintf(out, "credential: %s\n", issued.Credential())
				fmt.Fprintln(out, "Store the credential now; it cannot be shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable key name")
	cmd.Flags().StringVar(&env, "env", string(apikey.EnvironmentSandbox), "sandbox or production")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "comma-separated scopes (default payments:create,payments:read)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "requests per rate-limit window (0 = default)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime such as 720h (0 = never)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func keysRevokeCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key_id>",
		Short: "Revoke a key immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				k, err := b.keys.Revoke(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", k.Masked())
				return nil
			})
		},
	}
}

func keysListCmd(open openFunc) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b *backend) error {
				keys, err := b.keys.List(ctx, all)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tNAME\tENV\tSCOPES\tLAST USED\tSTATUS")
				for _, k := range keys {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						k.Masked(), k.Name, k.Environment, strings.Join(k.Scopes, ","), formatTime(k.LastUsedAt), keyStatus(k))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include revoked keys")
	return cmd
}

func keyStatus(k *apikey.APIKey) string {
	switch {
	case k.RevokedAt != nil:
		return "revoked"
	case !k.IsActive(time.Now()):
		return "expired"
	default:
		return "active"
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
