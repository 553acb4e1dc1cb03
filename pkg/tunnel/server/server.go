package tunnelserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loopreach/revtun/pkg/tunnel/server/audit"
)

// Server is the revtun reverse-tunnel server: one listener serving the
// /tunnel Upgrade endpoint and every other path as ingress (spec.md §4.2).
type Server struct {
	cfg    Config
	logger *logrus.Entry

	registry   *ClientRegistry
	basicAuth  *BasicAuthenticator
	bearerAuth *BearerAuthenticator
	audit      audit.Sink

	ingressTimeout time.Duration

	httpServer *http.Server
}

// New builds a Server from cfg. It does not start listening; call
// ListenAndServe.
func New(ctx context.Context, cfg Config, logger *logrus.Logger) (*Server, error) {
	log := logger.WithField("component", "revtun-server")

	timeout := cfg.IngressTimeout
	if timeout <= 0 {
		timeout = defaultIngressTimeout
	}

	s := &Server{
		cfg:            cfg,
		logger:         log,
		registry:       NewClientRegistry(),
		audit:          audit.NoOp{},
		ingressTimeout: timeout,
	}

	if err := s.setupAuth(cfg, log); err != nil {
		return nil, err
	}
	s.bearerAuth = NewBearerAuthenticator(cfg.OAuthIntrospectURL)

	if s.basicAuth.Enabled() && s.bearerAuth.Enabled() {
		log.Warn("revtun: both TUNNEL_AUTH(_HASH|_FILE) and TUNNEL_OAUTH_INTROSPECT_URL are configured; Basic auth takes precedence on every handshake")
	}

	if cfg.AuditDSN != "" {
		sink, err := audit.New(ctx, audit.Config{DSN: cfg.AuditDSN}, log)
		if err != nil {
			return nil, fmt.Errorf("revtun: connect audit sink: %w", err)
		}
		s.audit = sink
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if cfg.Debug {
		mux.HandleFunc("/debug/tunnel", s.handleDebugTunnel)
	}
	mux.HandleFunc("/", s.handleIngress)

	s.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	return s, nil
}

func (s *Server) setupAuth(cfg Config, log *logrus.Entry) error {
	switch {
	case cfg.TunnelAuthFile != "":
		auth := NewBasicAuthenticator("placeholder")
		if err := auth.WatchFile(cfg.TunnelAuthFile, log); err != nil {
			return err
		}
		s.basicAuth = auth
	case cfg.TunnelAuthHash != "":
		auth, err := NewHashedBasicAuthenticator(cfg.TunnelAuthHash)
		if err != nil {
			return fmt.Errorf("revtun: invalid TUNNEL_AUTH_HASH: %w", err)
		}
		s.basicAuth = auth
	default:
		s.basicAuth = NewBasicAuthenticator(cfg.TunnelAuth)
	}
	return nil
}

// ListenAndServe blocks serving HTTP until ctx is cancelled, then drains
// in-flight requests with a bounded wait, matching pkg/mtls-proxy/proxy.go's
// Stop() shape (wg.Wait raced against a timeout).
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("revtun: server listening on %s", s.cfg.HTTPAddr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("revtun: shutting down")
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)

	if s.basicAuth != nil {
		_ = s.basicAuth.Close()
	}
	s.audit.Close()

	return err
}
