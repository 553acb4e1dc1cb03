package tunnelserver

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/loopreach/revtun/pkg/tunnel/protocol"
)

// runWorker owns conn's full-duplex socket for the lifetime of handle. It
// pops one WorkerRequest at a time from the mailbox, writes it as a frame,
// reads the paired response frame, and delivers the result to the reply
// channel — strict FIFO pairing per spec.md §3 invariant 4 and §4.4: the
// Nth frame written pairs with the Nth frame read, so there is no
// correlation id in the wire protocol.
//
// onExit is called exactly once, after the loop stops for any reason, with
// the handle so the caller can perform the identity-checked registry
// cleanup described in spec.md §4.4.
func runWorker(handle *TunnelConnection, conn net.Conn, logger *logrus.Entry, onExit func(*TunnelConnection)) {
	defer func() {
		if tc, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		} else {
			_ = conn.Close()
		}
		onExit(handle)
	}()

	mailbox := handle.Mailbox()
	for wr := range mailbox {
		if err := protocol.WriteFrame(conn, wr.Payload); err != nil {
			logger.WithError(err).Warn("tunnel worker: write frame failed")
			deliver(wr, nil, err)
			return
		}

		resp, err := protocol.ReadFrame(conn)
		if err != nil {
			logger.WithError(err).Warn("tunnel worker: read frame failed")
			deliver(wr, nil, err)
			return
		}

		deliver(wr, resp, nil)
	}
}

// deliver sends the reply without blocking forever if the waiter has
// already given up (e.g. its 30s ingress deadline elapsed and it stopped
// receiving). The reply channel is buffered with capacity 1 by its
// creator, so this send never blocks.
func deliver(wr *WorkerRequest, payload []byte, err error) {
	wr.Reply <- workerReply{Payload: payload, Err: err}
}

// closeTunnel forcibly terminates the worker owning handle by closing its
// socket, which unblocks any in-flight ReadFrame/WriteFrame with an error
// and causes the worker loop to exit and run onExit. This is the mandated
// fix for the Open Question in spec.md §9: a timed-out ingress request must
// invalidate the tunnel, not merely clear the registry slot, or a late
// response would pair with the next waiter's request and skew correlation.
func closeTunnel(handle *TunnelConnection) {
	_ = handle.conn.Close()
}
