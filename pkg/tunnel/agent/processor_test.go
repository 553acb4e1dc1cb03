package tunnelagent

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loopreach/revtun/pkg/tunnel/protocol"
)

func localPortOf(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return port
}

func TestProcessorDispatchSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/echo" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer ts.Close()

	p := NewProcessor(localPortOf(t, ts), logrus.NewEntry(logrus.New()))

	req := protocol.TunnelRequest{
		Method: http.MethodPost,
		Path:   "/echo",
		Body:   protocol.EncodeBody([]byte("hello")),
	}
	resp := p.dispatch(req)

	if resp.Status != http.StatusCreated {
		t.Fatalf("Status = %d, want %d", resp.Status, http.StatusCreated)
	}
	body, err := protocol.DecodeBody(resp.Body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if string(body) != "created" {
		t.Errorf("body = %q, want %q", body, "created")
	}

	found := false
	for _, h := range resp.Headers {
		if h[0] == "X-Reply" && h[1] == "yes" {
			found = true
		}
	}
	if !found {
		t.Error("expected X-Reply header to be forwarded")
	}
}

func TestProcessorDispatchBadBodyEncoding(t *testing.T) {
	p := NewProcessor(1, logrus.NewEntry(logrus.New()))
	resp := p.dispatch(protocol.TunnelRequest{Method: http.MethodGet, Path: "/x", Body: "not-valid-base64!!"})
	if resp.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", resp.Status)
	}
}

func TestProcessorDispatchLocalServiceDown(t *testing.T) {
	// Find an unused port and close it immediately so the dial fails.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	p := NewProcessor(port, logrus.NewEntry(logrus.New()))
	resp := p.dispatch(protocol.TunnelRequest{Method: http.MethodGet, Path: "/", Body: protocol.EncodeBody(nil)})
	if resp.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", resp.Status)
	}
}

func TestProcessorRunRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	serverSide, agentSide := net.Pipe()
	defer serverSide.Close()
	defer agentSide.Close()

	p := NewProcessor(localPortOf(t, ts), logrus.NewEntry(logrus.New()))
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(agentSide) }()

	req := protocol.TunnelRequest{Method: http.MethodGet, Path: "/", Body: protocol.EncodeBody(nil)}
	payload, _ := json.Marshal(req)
	if err := protocol.WriteFrame(serverSide, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	respPayload, err := protocol.ReadFrame(serverSide)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var resp protocol.TunnelResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}

	serverSide.Close()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after connection closed")
	}
}
