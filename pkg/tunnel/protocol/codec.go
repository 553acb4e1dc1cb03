package protocol

import "encoding/base64"

// EncodeBody encodes raw bytes as standard base64 with padding.
func EncodeBody(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a standard-base64 string back to raw bytes. Returns
// CodecError wrapping the underlying decode failure on any invalid
// character, padding error, or truncation.
func DecodeBody(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &CodecError{Err: err}
	}
	return b, nil
}

// CodecError wraps a base64 decode failure.
type CodecError struct {
	Err error
}

func (e *CodecError) Error() string {
	return "tunnel: codec error: " + e.Err.Error()
}

func (e *CodecError) Unwrap() error {
	return e.Err
}
