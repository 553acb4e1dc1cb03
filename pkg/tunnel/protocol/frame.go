package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameEOF indicates the stream ended mid-length or mid-payload.
var ErrFrameEOF = errors.New("tunnel: frame stream closed")

// FrameIOError wraps an I/O failure that occurred while reading or writing
// a frame that was not a clean EOF.
type FrameIOError struct {
	Op  string
	Err error
}

func (e *FrameIOError) Error() string {
	return fmt.Sprintf("tunnel: frame %s: %v", e.Op, e.Err)
}

func (e *FrameIOError) Unwrap() error {
	return e.Err
}

// WriteFrame emits len_be32 || payload and flushes if the writer supports
// it. It fails with a *FrameIOError on a short write or any other
// underlying error.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return &FrameIOError{Op: "write length", Err: err}
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return &FrameIOError{Op: "write payload", Err: err}
		}
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return &FrameIOError{Op: "flush", Err: err}
		}
	}
	return nil
}

// ReadFrame reads exactly 4 bytes interpreted as a big-endian u32 length L,
// then reads exactly L bytes. It returns ErrFrameEOF if the stream ends
// mid-length or mid-payload, or a *FrameIOError for any other I/O failure.
// No maximum length is enforced at this layer.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameEOF
		}
		return nil, &FrameIOError{Op: "read length", Err: err}
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameEOF
		}
		return nil, &FrameIOError{Op: "read payload", Err: err}
	}
	return payload, nil
}
