// ABOUTME: token command: mints a signed API token for an operator or admin
// ABOUTME: Uses the JWT secret from the relay config

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
)

func newTokenCommand(configPath func() string) *cobra.Command {
	var (
		claims auth.Claims
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Create an API token",
		Example: `  coven-relay token --tenant acme --subject alice
  coven-relay token --subject root --role admin --ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("auth.jwt_secret: %w", err)
			}
			token, err := verifier.Generate(claims, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&claims.TenantID, "tenant", "", "tenant the token is scoped to (required for operators)")
	cmd.Flags().StringVar(&claims.Subject, "subject", "", "who the token identifies; recorded in the audit log")
	cmd.Flags().StringVar(&claims.Role, "role", auth.RoleOperator, "operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 720*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
