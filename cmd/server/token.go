package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
)

// tokenCmd mints a session token with the server's own secret, for local
// testing against /ws and /api.
func tokenCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			m, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL)
			if err != nil {
				return err
			}
			tok, err := m.Issue(args[0], models.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", string(models.RoleRider), "rider or driver")
	return cmd
}
