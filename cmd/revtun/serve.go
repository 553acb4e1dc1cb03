package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	tunnelserver "github.com/loopreach/revtun/pkg/tunnel/server"
)

// NewServeCommand builds the "revtun serve" subcommand: the public-facing
// tunnel server (spec.md §4.2-§4.4). Each flag, when set, overrides the
// matching environment variable from spec.md §6 / SPEC_FULL.md, so the
// server can be driven by env, flags, or both.
func NewServeCommand() *cobra.Command {
	var (
		httpAddr           string
		tunnelAuth         string
		tunnelAuthHash     string
		tunnelAuthFile     string
		oauthIntrospectURL string
		auditDSN           string
		debug              bool
		logLevel           string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the revtun server",
		Long:  `Run the public-facing tunnel server: one HTTP listener serving the /tunnel Upgrade endpoint and every other path as ingress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			logger.SetLevel(level)
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			cfg := tunnelserver.ConfigFromEnv()
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if tunnelAuth != "" {
				cfg.TunnelAuth = tunnelAuth
			}
			if tunnelAuthHash != "" {
				cfg.TunnelAuthHash = tunnelAuthHash
			}
			if tunnelAuthFile != "" {
				cfg.TunnelAuthFile = tunnelAuthFile
			}
			if oauthIntrospectURL != "" {
				cfg.OAuthIntrospectURL = oauthIntrospectURL
			}
			if auditDSN != "" {
				cfg.AuditDSN = auditDSN
			}
			if debug {
				cfg.Debug = true
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv, err := tunnelserver.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("revtun: build server: %w", err)
			}

			return srv.ListenAndServe(ctx)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "Listen address (default 0.0.0.0:8080, env HTTP_ADDR)")
	cmd.Flags().StringVar(&tunnelAuth, "tunnel-auth", "", "Static \"user:pass\" Basic credential (env TUNNEL_AUTH)")
	cmd.Flags().StringVar(&tunnelAuthHash, "tunnel-auth-hash", "", "Bcrypt hash of \"user:pass\" (env TUNNEL_AUTH_HASH)")
	cmd.Flags().StringVar(&tunnelAuthFile, "tunnel-auth-file", "", "Path to a hot-reloaded credential file (env TUNNEL_AUTH_FILE)")
	cmd.Flags().StringVar(&oauthIntrospectURL, "oauth-introspect-url", "", "OAuth2 token introspection endpoint for Bearer auth (env TUNNEL_OAUTH_INTROSPECT_URL)")
	cmd.Flags().StringVar(&auditDSN, "audit-dsn", "", "Postgres DSN for the audit sink (env AUDIT_DSN)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable GET /debug/tunnel (env TUNNEL_DEBUG=1)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}
