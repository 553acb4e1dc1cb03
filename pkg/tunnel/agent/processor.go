package tunnelagent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/loopreach/revtun/pkg/tunnel/protocol"
)

// knownMethods are dispatched directly; any other verb is attempted as an
// extension method via http.NewRequest's own validation, falling back to
// GET only if that validation rejects it (spec.md §4.7 step 3, REDESIGN
// FLAGS "dynamic method dispatch").
var knownMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
	http.MethodHead:   true,
	http.MethodOptions: true,
}

// Processor reads framed TunnelRequests from conn, dispatches each to the
// loopback service, and writes framed TunnelResponses back — strictly
// serial, one request at a time, matching the server worker's FIFO pairing
// (spec.md §4.7, §5).
type Processor struct {
	localPort  int
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewProcessor builds a Processor targeting http://127.0.0.1:<localPort>.
func NewProcessor(localPort int, logger *logrus.Entry) *Processor {
	return &Processor{
		localPort:  localPort,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Run loops reading and dispatching frames until conn errors or a frame
// fails to decode, at which point it returns the terminal error so the
// reconnect loop can transition to Backoff (spec.md §4.5 Running state).
func (p *Processor) Run(conn io.ReadWriter) error {
	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			return err
		}

		var req protocol.TunnelRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			// Malformed JSON payload terminates the tunnel per spec.md §7:
			// decode errors are never surfaced in-band, unlike body-decode
			// or dispatch failures below.
			return fmt.Errorf("revtun: decode tunnel request: %w", err)
		}

		resp := p.dispatch(req)

		out, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("revtun: encode tunnel response: %w", err)
		}
		if err := protocol.WriteFrame(conn, out); err != nil {
			return err
		}
	}
}

// dispatch implements spec.md §4.7 steps 2-5: decode body, issue the local
// HTTP call, and convert any failure into an in-band 502.
func (p *Processor) dispatch(req protocol.TunnelRequest) protocol.TunnelResponse {
	body, err := protocol.DecodeBody(req.Body)
	if err != nil {
		return textResponse(http.StatusBadGateway, "Failed to decode request body")
	}

	method := req.Method
	if !knownMethods[method] {
		if _, err := http.NewRequest(method, "http://127.0.0.1/", nil); err != nil {
			method = http.MethodGet
		}
	}

	targetURL := fmt.Sprintf("http://127.0.0.1:%d%s", p.localPort, req.Path)
	httpReq, err := http.NewRequest(method, targetURL, bytes.NewReader(body))
	if err != nil {
		return textResponse(http.StatusBadGateway, "Local service unavailable")
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h[0], h[1])
	}

	start := time.Now()
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.WithError(err).Warn("revtun: local dispatch failed")
		return textResponse(http.StatusBadGateway, "Local service unavailable")
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return textResponse(http.StatusBadGateway, "Local service unavailable")
	}

	p.logger.Debugf("revtun: %s %s -> %d in %s (body=%s)",
		method, req.Path, httpResp.StatusCode, time.Since(start), humanize.Bytes(uint64(len(respBody))))

	return protocol.TunnelResponse{
		Status:  uint16(httpResp.StatusCode),
		Headers: headerPairsFromResponse(httpResp.Header),
		Body:    protocol.EncodeBody(respBody),
	}
}

func headerPairsFromResponse(h http.Header) []protocol.HeaderPair {
	pairs := make([]protocol.HeaderPair, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			pairs = append(pairs, protocol.HeaderPair{name, v})
		}
	}
	return pairs
}

func textResponse(status int, message string) protocol.TunnelResponse {
	return protocol.TunnelResponse{
		Status:  uint16(status),
		Headers: []protocol.HeaderPair{{"Content-Type", "text/plain"}},
		Body:    protocol.EncodeBody([]byte(message)),
	}
}
