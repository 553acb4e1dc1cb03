package tunnelserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/loopreach/revtun/pkg/tunnel/protocol"
)

// defaultIngressTimeout is the 30-second deadline from mailbox send to
// reply receipt mandated by spec.md §4.3 step 4. ConfigFromEnv falls back
// to this when TUNNEL_INGRESS_TIMEOUT is unset; Server.ingressTimeout is
// the value actually consulted at request time, so tests can shrink a
// single Server's deadline without touching package state.
const defaultIngressTimeout = 30 * time.Second

// handleIngress implements every path/method other than GET /tunnel:
// spec.md §4.3, the server request forwarder.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithFields(map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.RequestURI(),
	})
	start := time.Now()

	handle := s.registry.Snapshot()
	if handle == nil {
		log.Debug("revtun: no tunnel client connected")
		http.Error(w, "No tunnel client connected", http.StatusServiceUnavailable)
		s.audit.RecordIngress(r.Method, r.URL.RequestURI(), http.StatusServiceUnavailable, "no_client", time.Since(start))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	log.Debugf("revtun: forwarding request body=%s", humanize.Bytes(uint64(len(body))))

	req := protocol.TunnelRequest{
		Method:  r.Method,
		Path:    protocol.NormalizePath(r.URL.RequestURI()),
		Headers: headerPairs(r.Header),
		Body:    protocol.EncodeBody(body),
	}

	payload, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "Failed to encode tunnel request", http.StatusInternalServerError)
		return
	}

	wr := &WorkerRequest{Payload: payload, Reply: make(chan workerReply, 1)}

	select {
	case handle.Mailbox() <- wr:
	default:
		// Mailbox full; treat exactly like a reply error (spec.md §4.3
		// step 4).
		s.failIngress(w, handle, "worker mailbox unavailable", log, r, start)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.ingressTimeout)
	defer cancel()

	select {
	case reply := <-wr.Reply:
		if reply.Err != nil {
			s.failIngress(w, handle, reply.Err.Error(), log, r, start)
			return
		}
		s.writeTunnelResponse(w, handle, reply.Payload, log, r, start)

	case <-ctx.Done():
		log.Warnf("revtun: ingress request timed out after %s", s.ingressTimeout)
		http.Error(w, "Tunnel request timeout", http.StatusGatewayTimeout)
		s.audit.RecordIngress(r.Method, r.URL.RequestURI(), http.StatusGatewayTimeout, "timeout", time.Since(start))

		// Mandated fix for the Open Question in spec.md §9: invalidate the
		// tunnel itself, not just the registry slot, so a late response on
		// the wire cannot pair with the next waiter's request.
		if s.registry.ClearIfCurrent(handle) {
			closeTunnel(handle)
		}
	}
}

// failIngress handles both the "reply error" and "mailbox unavailable"
// outcomes of spec.md §4.3 step 4: respond 502, then perform the
// identity-checked registry cleanup.
func (s *Server) failIngress(w http.ResponseWriter, handle *TunnelConnection, message string, log *logrus.Entry, r *http.Request, start time.Time) {
	log.Warn("revtun: tunnel request failed: " + message)
	http.Error(w, message, http.StatusBadGateway)
	s.audit.RecordIngress(r.Method, r.URL.RequestURI(), http.StatusBadGateway, "bad_gateway", time.Since(start))
	s.registry.ClearIfCurrent(handle)
}

// writeTunnelResponse decodes the TunnelResponse frame and rebuilds the
// public HTTP response verbatim, per spec.md §4.3 step 4 "Reply ok". A
// malformed frame here is a JsonDecode-class error per spec.md §7's
// taxonomy, which applies to "both ends" and must terminate the tunnel the
// same way a FrameIO/FrameEOF error does (see closeTunnel in worker.go) —
// the sender and receiver have desynced on the wire, so the connection
// cannot be trusted for the next request either.
func (s *Server) writeTunnelResponse(w http.ResponseWriter, handle *TunnelConnection, payload []byte, log *logrus.Entry, r *http.Request, start time.Time) {
	var resp protocol.TunnelResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		log.Warn("revtun: malformed tunnel response: " + err.Error())
		http.Error(w, "Malformed tunnel response", http.StatusBadGateway)
		s.audit.RecordIngress(r.Method, r.URL.RequestURI(), http.StatusBadGateway, "bad_gateway", time.Since(start))
		if s.registry.ClearIfCurrent(handle) {
			closeTunnel(handle)
		}
		return
	}

	body, err := protocol.DecodeBody(resp.Body)
	if err != nil {
		log.Warn("revtun: malformed tunnel response body: " + err.Error())
		http.Error(w, "Malformed tunnel response", http.StatusBadGateway)
		s.audit.RecordIngress(r.Method, r.URL.RequestURI(), http.StatusBadGateway, "bad_gateway", time.Since(start))
		if s.registry.ClearIfCurrent(handle) {
			closeTunnel(handle)
		}
		return
	}

	for _, h := range resp.Headers {
		w.Header().Add(h[0], h[1])
	}
	w.WriteHeader(int(resp.Status))
	_, _ = w.Write(body)

	s.audit.RecordIngress(r.Method, r.URL.RequestURI(), int(resp.Status), "ok", time.Since(start))
}

// headerPairs flattens an http.Header into (name, value) pairs, keeping
// every value of a repeated name in its received order. Pairs of different
// names come out in map iteration order, not arrival order. Go's net/http
// already canonicalizes header names on receipt, so names are not in the
// case the client sent.
func headerPairs(h http.Header) []protocol.HeaderPair {
	pairs := make([]protocol.HeaderPair, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			pairs = append(pairs, protocol.HeaderPair{name, v})
		}
	}
	return pairs
}

// handleHealthz implements the SPEC_FULL.md liveness bypass: GET /healthz
// never touches the registry or mailbox.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleDebugTunnel implements the SPEC_FULL.md introspection endpoint,
// gated on TUNNEL_DEBUG so it never leaks connection metadata by default.
func (s *Server) handleDebugTunnel(w http.ResponseWriter, r *http.Request) {
	handle := s.registry.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if handle == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"connected": false})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"connected":    true,
		"remote_addr":  handle.RemoteAddr(),
		"connected_at": handle.ConnectedAt(),
		"age_seconds":  time.Since(handle.ConnectedAt()).Seconds(),
	})
}
