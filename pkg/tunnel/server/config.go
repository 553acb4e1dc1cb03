package tunnelserver

import (
	"os"
	"time"
)

// Config holds the server's startup configuration, matching the
// environment variables spec.md §6 mandates plus the SPEC_FULL.md
// extensions (audit DSN, bearer introspection, credential file, debug
// endpoint).
type Config struct {
	// HTTPAddr is the single listen address serving both /tunnel and
	// ingress traffic. Default "0.0.0.0:8080" per spec.md §6.
	HTTPAddr string

	// TunnelAuth is a static "user:pass" value. Empty disables Basic auth.
	TunnelAuth string

	// TunnelAuthHash is a bcrypt hash of "user:pass", an alternative to
	// TunnelAuth (SPEC_FULL.md DOMAIN STACK, bcrypt).
	TunnelAuthHash string

	// TunnelAuthFile, if set, is hot-reloaded via fsnotify and overrides
	// TunnelAuth (SPEC_FULL.md DOMAIN STACK, fsnotify).
	TunnelAuthFile string

	// OAuthIntrospectURL, if set, enables Bearer-token auth in place of
	// Basic (SPEC_FULL.md DOMAIN STACK, oauth2).
	OAuthIntrospectURL string

	// AuditDSN, if set, enables the Postgres-backed audit sink.
	AuditDSN string

	// Debug enables GET /debug/tunnel.
	Debug bool

	// IngressTimeout is the mailbox-send-to-reply deadline (spec.md §4.3
	// step 4, default 30s). Zero means "use the default".
	IngressTimeout time.Duration
}

// ConfigFromEnv reads the environment variables named in spec.md §6 and
// SPEC_FULL.md, applying the specified defaults.
func ConfigFromEnv() Config {
	timeout := defaultIngressTimeout
	if v := os.Getenv("TUNNEL_INGRESS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	return Config{
		HTTPAddr:           envOr("HTTP_ADDR", "0.0.0.0:8080"),
		TunnelAuth:         os.Getenv("TUNNEL_AUTH"),
		TunnelAuthHash:     os.Getenv("TUNNEL_AUTH_HASH"),
		TunnelAuthFile:     os.Getenv("TUNNEL_AUTH_FILE"),
		OAuthIntrospectURL: os.Getenv("TUNNEL_OAUTH_INTROSPECT_URL"),
		AuditDSN:           os.Getenv("AUDIT_DSN"),
		Debug:              os.Getenv("TUNNEL_DEBUG") == "1",
		IngressTimeout:     timeout,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
