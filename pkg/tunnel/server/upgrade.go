package tunnelserver

import (
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// handleUpgrade implements the GET /tunnel endpoint described in spec.md
// §4.2. Authentication, when configured, is checked before the Upgrade
// headers are even examined.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithField("remote", r.RemoteAddr)

	if !s.authorize(w, r, log) {
		return
	}

	if !hasValidUpgradeHeaders(r) {
		http.Error(w, "Missing or invalid Upgrade headers", http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Upgrade not supported", http.StatusInternalServerError)
		return
	}

	// Commit the 101 response to the wire before any frame is written, so
	// the agent observes the protocol switch first (spec.md §4.2, "Upgrade
	// side-effect ordering").
	w.Header().Set("Upgrade", "tunnel")
	w.Header().Set("Connection", "Upgrade")
	w.WriteHeader(http.StatusSwitchingProtocols)

	conn, buf, err := hijacker.Hijack()
	if err != nil {
		log.WithError(err).Error("revtun: hijack failed after committing 101")
		return
	}
	if buf != nil {
		if err := buf.Writer.Flush(); err != nil {
			log.WithError(err).Error("revtun: flush upgrade response failed")
			conn.Close()
			return
		}
	}

	s.acceptTunnel(conn, r.RemoteAddr, log)
}

// acceptTunnel installs the newly upgraded socket into the registry and
// spawns its worker. The old handle, if any, is not proactively killed
// (spec.md §4.4 "Replacement semantics").
func (s *Server) acceptTunnel(conn net.Conn, remoteAddr string, log *logrus.Entry) {
	handle := s.registry.Install(conn, remoteAddr)
	log.Info("revtun: tunnel client connected")
	s.audit.RecordConnection(remoteAddr, "connected")

	go runWorker(handle, conn, log, func(h *TunnelConnection) {
		if s.registry.ClearIfCurrent(h) {
			log.Info("revtun: tunnel client disconnected")
			s.audit.RecordConnection(remoteAddr, "disconnected")
		}
	})
}

// authorize enforces Basic or Bearer auth on the Upgrade endpoint per
// spec.md §4.6 and the OAuth2 bearer extension in SPEC_FULL.md. When both
// are configured, Basic wins (DESIGN.md's Open Question decision, matching
// Config.UseOAuth on the agent side); New logs that precedence once at
// startup rather than on every handshake. It writes the 401 response
// itself and returns false when auth fails or is missing.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, log *logrus.Entry) bool {
	header := r.Header.Get("Authorization")

	if s.basicAuth.Enabled() {
		decoded, ok := DecodeBasicHeader(header)
		if !ok || !s.basicAuth.Validate(decoded) {
			s.unauthorized(w)
			return false
		}
		return true
	}

	if s.bearerAuth.Enabled() {
		token, ok := ExtractBearerToken(header)
		if !ok {
			s.unauthorized(w)
			return false
		}
		active, err := s.bearerAuth.Validate(r.Context(), token)
		if err != nil {
			log.WithError(err).Warn("revtun: bearer introspection failed")
			s.unauthorized(w)
			return false
		}
		if !active {
			s.unauthorized(w)
			return false
		}
		return true
	}

	return true
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="tunnel"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// hasValidUpgradeHeaders checks the two required Upgrade headers per
// spec.md §4.2: "Upgrade: tunnel" case-insensitively, and "Connection"
// containing "upgrade" as a case-insensitive substring (proxies may add
// other tokens to Connection).
func hasValidUpgradeHeaders(r *http.Request) bool {
	upgrade := strings.ToLower(strings.TrimSpace(r.Header.Get("Upgrade")))
	if upgrade != "tunnel" {
		return false
	}
	connection := strings.ToLower(r.Header.Get("Connection"))
	return strings.Contains(connection, "upgrade")
}
