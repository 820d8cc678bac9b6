package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sessionlens/api/internal/auth"
	"github.com/sessionlens/api/internal/config"
)

func newTokenCommand() *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a bearer token for local use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = time.Duration(cfg.JWT.Expiration) * time.Hour
			}
			token, err := auth.IssueToken(args[0], email, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to jwt.expiration hours)")
	return cmd
}
