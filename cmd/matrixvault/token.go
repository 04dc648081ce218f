package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thetanil/matrixvault/internal/auth"
	"github.com/thetanil/matrixvault/internal/config"
)

func newTokenCmd(configPath func() string) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <actor>",
		Short: "Issue an identity token for an actor",
		Long: `Issues a bearer token that the service accepts as proof of identity for
actor. Deployments with an external identity provider do not need this.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			if err := cfg.RequireTokenKey(); err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := auth.NewJWTManager(cfg.Auth.TokenKey).GenerateToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}
