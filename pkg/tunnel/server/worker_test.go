package tunnelserver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loopreach/revtun/pkg/tunnel/protocol"
)

// TestWorkerStrictFIFOPairing checks spec.md invariant 4: for N submitted
// requests that do not error, the worker writes N frames in submission
// order and returns N replies to waiters in submission order.
func TestWorkerStrictFIFOPairing(t *testing.T) {
	serverSide, agentSide := net.Pipe()
	defer serverSide.Close()
	defer agentSide.Close()

	r := NewClientRegistry()
	handle := r.Install(serverSide, "10.0.0.1:1")

	log := logrus.New()
	entry := logrus.NewEntry(log)

	var exitWG sync.WaitGroup
	exitWG.Add(1)
	go func() {
		defer exitWG.Done()
		runWorker(handle, serverSide, entry, func(*TunnelConnection) {})
	}()

	// Fake agent: for each frame received, echo back a frame carrying the
	// same bytes prefixed with "reply-" so we can verify pairing.
	const n = 5
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		for i := 0; i < n; i++ {
			payload, err := protocol.ReadFrame(agentSide)
			if err != nil {
				return
			}
			if err := protocol.WriteFrame(agentSide, append([]byte("reply-"), payload...)); err != nil {
				return
			}
		}
	}()

	replies := make([]chan workerReply, n)
	for i := 0; i < n; i++ {
		wr := &WorkerRequest{
			Payload: []byte(string(rune('a' + i))),
			Reply:   make(chan workerReply, 1),
		}
		replies[i] = wr.Reply
		handle.Mailbox() <- wr
	}

	for i := 0; i < n; i++ {
		select {
		case reply := <-replies[i]:
			want := "reply-" + string(rune('a'+i))
			if string(reply.Payload) != want {
				t.Errorf("reply %d = %q, want %q", i, reply.Payload, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for reply %d", i)
		}
	}

	<-agentDone
	close(handle.Mailbox())
	exitWG.Wait()
}

func TestWorkerExitOnWriteError(t *testing.T) {
	serverSide, agentSide := net.Pipe()
	r := NewClientRegistry()
	handle := r.Install(serverSide, "10.0.0.1:1")
	agentSide.Close() // force the next write to fail

	entry := logrus.NewEntry(logrus.New())

	exited := make(chan *TunnelConnection, 1)
	go runWorker(handle, serverSide, entry, func(h *TunnelConnection) {
		exited <- h
	})

	wr := &WorkerRequest{Payload: []byte("x"), Reply: make(chan workerReply, 1)}
	handle.Mailbox() <- wr

	select {
	case reply := <-wr.Reply:
		if reply.Err == nil {
			t.Fatal("expected an error reply after the socket was closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error reply")
	}

	select {
	case h := <-exited:
		if h != handle {
			t.Fatal("onExit called with wrong handle")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker exit")
	}
}
