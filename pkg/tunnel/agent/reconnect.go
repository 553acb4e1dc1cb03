package tunnelagent

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
	dialTimeout = 10 * time.Second
)

// Agent runs the supervised reconnect loop described in spec.md §4.5: a
// state machine that dials, optionally TLS-wraps, performs the Upgrade
// handshake, then runs the request processor until the tunnel breaks, at
// which point it backs off and tries again. The loop has no give-up state;
// it ends only when Run's context is cancelled.
type Agent struct {
	cfg       Config
	logger    *logrus.Entry
	oauth     *oauthTokenSource
	credWatch *credentialWatcher
	backoff   time.Duration
}

// New builds an Agent from cfg. If cfg.TunnelAuthFile is set, it is loaded
// and watched for changes before New returns, so a bad path fails fast
// instead of surfacing as a handshake error later.
func New(cfg Config, logger *logrus.Logger) (*Agent, error) {
	a := &Agent{
		cfg:     cfg,
		logger:  logger.WithField("component", "revtun-agent"),
		backoff: minBackoff,
	}

	if cfg.TunnelAuthFile != "" {
		w, err := watchCredentialFile(cfg.TunnelAuthFile, a.logger)
		if err != nil {
			return nil, err
		}
		a.credWatch = w
	}

	if cfg.UseOAuth() {
		a.oauth = newOAuthTokenSource(cfg)
	} else if (cfg.TunnelAuth != "" || cfg.TunnelAuthFile != "") &&
		cfg.OAuthClientID != "" && cfg.OAuthClientSecret != "" && cfg.OAuthTokenURL != "" {
		a.logger.Warn("revtun: both a Basic credential (TUNNEL_AUTH/TUNNEL_AUTH_FILE) and the oauth2 client-credentials variables are configured; Basic auth takes precedence")
	}
	return a, nil
}

// Run drives the state machine until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	if a.credWatch != nil {
		defer a.credWatch.Close()
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if err := a.attempt(ctx); err != nil {
			a.logger.WithError(err).Warn("revtun: tunnel connection ended")
		}
		if !a.sleepBackoff(ctx) {
			return
		}
	}
}

// attempt runs Dialing -> [TlsHandshake] -> Upgrading -> Running once.
// Any failure returns an error so Run can apply backoff; a clean Running
// exit (the tunnel broke after being healthy) also returns here, since
// spec.md §4.5 routes every non-Idle state's failure back through Backoff.
func (a *Agent) attempt(ctx context.Context) error {
	conn, err := dialServer(a.cfg, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	authHeader, err := a.authHeader()
	if err != nil {
		return err
	}

	reader, err := performUpgrade(conn, a.cfg.ServerHost, authHeader)
	if err != nil {
		return err
	}
	a.logger.Info("revtun: tunnel established")

	// Entering Running: reset backoff to 1s before the first frame, per
	// spec.md §4.5's reset rule.
	a.backoff = minBackoff

	processor := NewProcessor(a.cfg.LocalPort, a.logger)
	return processor.Run(&connWithBufferedReader{Conn: conn, r: reader})
}

// authHeader builds the Authorization header value for the Upgrade
// request: a Bearer token when OAuth2 is configured, Basic credentials
// when TunnelAuth is set, or empty when neither is configured.
func (a *Agent) authHeader() (string, error) {
	if a.oauth != nil {
		token, err := a.oauth.BearerToken()
		if err != nil {
			return "", err
		}
		return bearerAuthHeader(token), nil
	}
	if a.credWatch != nil {
		return basicAuthHeader(a.credWatch.Current()), nil
	}
	if a.cfg.TunnelAuth != "" {
		return basicAuthHeader(a.cfg.TunnelAuth), nil
	}
	return "", nil
}

// sleepBackoff waits for the current backoff duration (doubling it,
// capped at 30s, per spec.md §4.5's Backoff state), returning false if ctx
// was cancelled during the wait.
func (a *Agent) sleepBackoff(ctx context.Context) bool {
	a.logger.Infof("revtun: reconnecting in %s", a.backoff)
	select {
	case <-time.After(a.backoff):
	case <-ctx.Done():
		return false
	}

	a.backoff *= 2
	if a.backoff > maxBackoff {
		a.backoff = maxBackoff
	}
	return true
}

// connWithBufferedReader adapts a net.Conn plus a *bufio.Reader primed with
// leftover Upgrade-response bytes into a single io.ReadWriter, so the
// framing reader never misses the first bytes of the tunnel stream (spec.md
// §4.6: "additional bytes after \r\n\r\n are the start of the tunnel
// stream").
type connWithBufferedReader struct {
	net.Conn
	r interface {
		Read(p []byte) (int, error)
	}
}

func (c *connWithBufferedReader) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
