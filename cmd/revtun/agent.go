package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	tunnelagent "github.com/loopreach/revtun/pkg/tunnel/agent"
)

// NewAgentCommand builds the "revtun agent" subcommand: the outbound-dialing
// side of the tunnel (spec.md §4.5-§4.7).
func NewAgentCommand() *cobra.Command {
	var (
		serverAddr        string
		localPort         int
		tunnelAuth        string
		tunnelAuthFile    string
		oauthClientID     string
		oauthClientSecret string
		oauthTokenURL     string
		logLevel          string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the revtun agent",
		Long:  `Dial out to a revtun server and replay its tunneled requests against a local service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			logger.SetLevel(level)
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			// --server takes precedence over SERVER_ADDR; ConfigFromEnv
			// requires an address, so the flag value is handed to it there.
			if serverAddr != "" {
				if err := os.Setenv("SERVER_ADDR", serverAddr); err != nil {
					return err
				}
			}
			cfg, err := tunnelagent.ConfigFromEnv()
			if err != nil {
				return err
			}
			if localPort != 0 {
				cfg.LocalPort = localPort
			}
			if tunnelAuth != "" {
				cfg.TunnelAuth = tunnelAuth
			}
			if tunnelAuthFile != "" {
				cfg.TunnelAuthFile = tunnelAuthFile
			}
			if oauthClientID != "" {
				cfg.OAuthClientID = oauthClientID
			}
			if oauthClientSecret != "" {
				cfg.OAuthClientSecret = oauthClientSecret
			}
			if oauthTokenURL != "" {
				cfg.OAuthTokenURL = oauthTokenURL
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			agent, err := tunnelagent.New(cfg, logger)
			if err != nil {
				return err
			}
			agent.Run(ctx)
			return nil
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "revtun server address, e.g. https://tunnel.example.com (env SERVER_ADDR)")
	cmd.Flags().IntVar(&localPort, "local-port", 0, "Local service port to tunnel (default 3000, env LOCAL_PORT)")
	cmd.Flags().StringVar(&tunnelAuth, "tunnel-auth", "", "Static \"user:pass\" Basic credential (env TUNNEL_AUTH)")
	cmd.Flags().StringVar(&tunnelAuthFile, "tunnel-auth-file", "", "Path to a hot-reloaded \"user:pass\" Basic credential file, overrides --tunnel-auth (env TUNNEL_AUTH_FILE)")
	cmd.Flags().StringVar(&oauthClientID, "oauth-client-id", "", "OAuth2 client-credentials client ID (env TUNNEL_OAUTH_CLIENT_ID)")
	cmd.Flags().StringVar(&oauthClientSecret, "oauth-client-secret", "", "OAuth2 client-credentials client secret (env TUNNEL_OAUTH_CLIENT_SECRET)")
	cmd.Flags().StringVar(&oauthTokenURL, "oauth-token-url", "", "OAuth2 token endpoint URL (env TUNNEL_OAUTH_TOKEN_URL)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}
