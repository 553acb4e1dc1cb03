// Package tunnelagent implements the revtun agent: the supervised
// reconnect loop, HTTP-Upgrade handshake, and request processor described
// in spec.md §4.5-§4.7.
package tunnelagent

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds the agent's startup configuration (spec.md §6).
type Config struct {
	// ServerHost/ServerPort are the parsed form of SERVER_ADDR.
	ServerHost string
	ServerPort int
	UseTLS     bool

	// LocalPort is the loopback-only service port the agent replays
	// requests against (spec.md §4.7). Default 3000.
	LocalPort int

	// TunnelAuth is a static "user:pass" Basic credential. Empty means no
	// Basic auth is sent.
	TunnelAuth string

	// TunnelAuthFile, if set, is hot-reloaded via fsnotify and overrides
	// TunnelAuth (SPEC_FULL.md DOMAIN STACK, fsnotify).
	TunnelAuthFile string

	// OAuth client-credentials fields (SPEC_FULL.md DOMAIN STACK). When all
	// three are set and no Basic credential is configured, a Bearer token is
	// sent instead of Basic auth (see UseOAuth).
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
}

// ConfigFromEnv parses SERVER_ADDR, LOCAL_PORT and TUNNEL_AUTH per spec.md
// §6, plus the SPEC_FULL.md OAuth2 extension variables.
func ConfigFromEnv() (Config, error) {
	host, port, useTLS, err := ParseServerAddr(os.Getenv("SERVER_ADDR"))
	if err != nil {
		return Config{}, err
	}

	localPort := 3000
	if v := os.Getenv("LOCAL_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("revtun: invalid LOCAL_PORT %q: %w", v, err)
		}
		localPort = p
	}

	return Config{
		ServerHost:        host,
		ServerPort:        port,
		UseTLS:            useTLS,
		LocalPort:         localPort,
		TunnelAuth:        os.Getenv("TUNNEL_AUTH"),
		TunnelAuthFile:    os.Getenv("TUNNEL_AUTH_FILE"),
		OAuthClientID:     os.Getenv("TUNNEL_OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("TUNNEL_OAUTH_CLIENT_SECRET"),
		OAuthTokenURL:     os.Getenv("TUNNEL_OAUTH_TOKEN_URL"),
	}, nil
}

// ServerAddress returns the "host:port" string to dial.
func (c Config) ServerAddress() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// UseOAuth reports whether client-credentials bearer auth is fully
// configured. If TunnelAuth or TunnelAuthFile is also set, Basic wins
// (SPEC_FULL.md §4.6).
func (c Config) UseOAuth() bool {
	return c.TunnelAuth == "" && c.TunnelAuthFile == "" &&
		c.OAuthClientID != "" && c.OAuthClientSecret != "" && c.OAuthTokenURL != ""
}

// ParseServerAddr parses SERVER_ADDR per spec.md §6:
//
//	https://host[:port]  -> TLS, default port 443
//	http://host[:port]   -> no TLS, default port 80
//	host[:port]          -> no TLS, default port 7000
//
// A trailing slash is stripped and IPv6 hosts in brackets are supported.
func ParseServerAddr(addr string) (host string, port int, useTLS bool, err error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimSuffix(addr, "/")
	if addr == "" {
		return "", 0, false, fmt.Errorf("revtun: SERVER_ADDR is required")
	}

	defaultPort := 7000
	switch {
	case strings.HasPrefix(addr, "https://"):
		useTLS = true
		defaultPort = 443
		addr = strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		defaultPort = 80
		addr = strings.TrimPrefix(addr, "http://")
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		// No port present at all (covers bracketed IPv6 with no port too).
		host = strings.TrimPrefix(strings.TrimSuffix(addr, "]"), "[")
		return host, defaultPort, useTLS, nil
	}

	p, convErr := strconv.Atoi(portStr)
	if convErr != nil {
		return "", 0, false, fmt.Errorf("revtun: invalid port in SERVER_ADDR %q: %w", addr, convErr)
	}
	return host, p, useTLS, nil
}
