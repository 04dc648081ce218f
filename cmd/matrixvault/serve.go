package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/thetanil/matrixvault/internal/auth"
	"github.com/thetanil/matrixvault/internal/gate"
	"github.com/thetanil/matrixvault/internal/server"
	"github.com/thetanil/matrixvault/internal/twofactor"
)

func newServeCmd(configPath func() string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Runs the matrixvault HTTP service until interrupted.

Verification codes are delivered to the log under component=outbox; configure
a relay-backed mailer before exposing the service to real users.

Examples:
  MATRIXVAULT_TOKEN_KEY=... matrixvault serve --addr 127.0.0.1:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, configPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := a.cfg
			if err := cfg.RequireTokenKey(); err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			totp := twofactor.NewTOTP(twofactor.TOTPOptions{Skew: twofactor.TOTPSkew})
			for actor, secret := range cfg.Gate.AppDevices {
				if err := totp.Enroll(actor, secret); err != nil {
					return err
				}
			}
			mailer := twofactor.LogMailer{Logger: a.log.With(slog.String("component", "outbox"))}
			codes := twofactor.NewEmailCodes(mailer, twofactor.EmailOptions{TTL: cfg.Gate.EmailCodeTTL})

			g := gate.New(a.registry, codes, totp, a.audit, gate.Options{
				SessionTTL:     cfg.Gate.SessionTTL,
				RequireAppCode: cfg.Gate.RequireAppCode,
				AttemptRate:    rate.Every(cfg.Gate.AttemptInterval),
				AttemptBurst:   cfg.Gate.AttemptBurst,
				Logger:         a.log.With(slog.String("component", "gate")),
				Observer:       a.metrics,
				AllowedActors:  cfg.Gate.AllowedActors,
			})

			counts, err := a.registry.Count(ctx)
			if err != nil {
				return err
			}
			if len(counts) == 0 {
				a.log.Warn("no active secrets registered; run 'matrixvault secrets seed' or 'secrets add'")
			}

			srv := server.New(server.Config{
				Addr:          cfg.Server.Addr,
				ReadTimeout:   cfg.Server.ReadTimeout,
				WriteTimeout:  cfg.Server.WriteTimeout,
				IdleTimeout:   cfg.Server.IdleTimeout,
				SecureCookies:  cfg.Server.SecureCookies,
				TrustedProxies: cfg.Server.TrustedProxies,
			}, auth.NewJWTManager(cfg.Auth.TokenKey), g, a.matrix, a.metrics, a.log)
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
