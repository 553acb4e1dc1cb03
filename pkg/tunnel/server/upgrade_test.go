package tunnelserver

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newUpgradeTestServer starts a real listener (httptest.Server won't do:
// handleUpgrade needs a genuine http.Hijacker, which httptest.NewRecorder
// does not implement) serving only the /tunnel endpoint of s.
func newUpgradeTestServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", s.handleUpgrade)
	return httptest.NewServer(mux)
}

// sendUpgradeRequest dials addr and writes a GET /tunnel request with the
// given headers, returning the raw net.Conn (so a caller can inspect bytes
// that follow a 101) and the parsed response.
func sendUpgradeRequest(t *testing.T, addr string, headers map[string]string) (net.Conn, *http.Response) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/tunnel", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := req.Write(conn); err != nil {
		t.Fatalf("req.Write() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	return conn, resp
}

func TestHandleUpgradeMissingHeadersReturns400(t *testing.T) {
	s := newTestServer(t)
	ts := newUpgradeTestServer(t, s)
	defer ts.Close()

	conn, resp := sendUpgradeRequest(t, ts.Listener.Addr().String(), nil)
	defer conn.Close()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestHandleUpgradeMissingAuthReturns401(t *testing.T) {
	s := newTestServer(t)
	s.basicAuth = NewBasicAuthenticator("user:pass")
	ts := newUpgradeTestServer(t, s)
	defer ts.Close()

	conn, resp := sendUpgradeRequest(t, ts.Listener.Addr().String(), map[string]string{
		"Upgrade":    "tunnel",
		"Connection": "Upgrade",
	})
	defer conn.Close()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestHandleUpgradeBadBasicCredentialReturns401(t *testing.T) {
	s := newTestServer(t)
	s.basicAuth = NewBasicAuthenticator("user:pass")
	ts := newUpgradeTestServer(t, s)
	defer ts.Close()

	bad := base64.StdEncoding.EncodeToString([]byte("user:wrong"))
	conn, resp := sendUpgradeRequest(t, ts.Listener.Addr().String(), map[string]string{
		"Upgrade":       "tunnel",
		"Connection":    "Upgrade",
		"Authorization": "Basic " + bad,
	})
	defer conn.Close()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

// TestHandleUpgradeBasicWinsOverBearer exercises the dual-auth-configured
// precedence case: when both Basic and Bearer are enabled, a request
// carrying a valid Basic credential must succeed (101) even though no
// Bearer token is presented at all, proving authorize never falls through
// to (or requires) bearer validation once Basic is enabled.
func TestHandleUpgradeBasicWinsOverBearer(t *testing.T) {
	introspect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If authorize ever consulted the introspection endpoint while
		// Basic is enabled, that would itself be the bug under test; fail
		// loudly rather than silently answering "active".
		t.Error("bearer introspection endpoint should not be called when Basic is configured")
		json.NewEncoder(w).Encode(map[string]bool{"active": true})
	}))
	defer introspect.Close()

	s := newTestServer(t)
	s.basicAuth = NewBasicAuthenticator("user:pass")
	s.bearerAuth = NewBearerAuthenticator(introspect.URL)
	ts := newUpgradeTestServer(t, s)
	defer ts.Close()

	good := base64.StdEncoding.EncodeToString([]byte("user:pass"))
	conn, resp := sendUpgradeRequest(t, ts.Listener.Addr().String(), map[string]string{
		"Upgrade":       "tunnel",
		"Connection":    "Upgrade",
		"Authorization": "Basic " + good,
	})
	defer conn.Close()

	// A 101 response carries no body; its Body is an open-ended reader over
	// the now-hijacked connection, so we deliberately don't Close it here —
	// closing conn below is what releases the socket.
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}

	// And an invalid Basic credential must still 401 directly, not fall
	// through to (or be rescued by) Bearer.
	bad := base64.StdEncoding.EncodeToString([]byte("user:wrong"))
	conn2, resp2 := sendUpgradeRequest(t, ts.Listener.Addr().String(), map[string]string{
		"Upgrade":       "tunnel",
		"Connection":    "Upgrade",
		"Authorization": "Basic " + bad,
	})
	defer conn2.Close()
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp2.StatusCode, http.StatusUnauthorized)
	}
}

// TestHandleUpgrade101CommittedBeforeTunnelInstalled checks the ordering
// spec.md §4.2 requires: the 101 response must reach the wire before the
// connection is usable as a tunnel. We assert this indirectly by reading
// the 101 status line to completion and only then polling the registry —
// if the server installed the tunnel (or wrote frame bytes) before
// flushing the 101 headers, http.ReadResponse above would already have
// observed a malformed or blocked response.
func TestHandleUpgrade101CommittedBeforeTunnelInstalled(t *testing.T) {
	s := newTestServer(t)
	ts := newUpgradeTestServer(t, s)
	defer ts.Close()

	conn, resp := sendUpgradeRequest(t, ts.Listener.Addr().String(), map[string]string{
		"Upgrade":    "tunnel",
		"Connection": "Upgrade",
	})
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}
	if got := resp.Header.Get("Upgrade"); got != "tunnel" {
		t.Errorf("Upgrade header = %q, want %q", got, "tunnel")
	}
	if got := resp.Header.Get("Connection"); got != "Upgrade" {
		t.Errorf("Connection header = %q, want %q", got, "Upgrade")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.registry.Snapshot() != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("tunnel was never installed into the registry after a successful upgrade")
}
