package relay

import (
	"errors"
	"io"
	"iter"
	"net/http"
	"sync/atomic"
)

// chunkSize is the largest single read from the upstream stream.
const chunkSize = 32 * 1024

// ErrConsumed is returned when a Response body is read a second time.
var ErrConsumed = errors.New("relay: response body already consumed")

// Response is an upstream answer whose body has not been read yet.
type Response struct {
	StatusCode int
	Header     http.Header
	// Streaming is set when upstream declared text/event-stream.
	Streaming bool
	// KeyIndex is the pool index of the key the request was sent with.
	KeyIndex int
	// Rotated is set when this response triggered a key rotation.
	Rotated bool

	body     io.ReadCloser
	consumed atomic.Bool
}

// Chunks yields the upstream body as it arrives. The sequence can be ranged
// over once; a second range yields ErrConsumed. A read failure is yielded as
// the last element. The yielded slice is only valid until the next iteration.
func (r *Response) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrConsumed)
			return
		}
		defer r.body.Close()

		buf := make([]byte, chunkSize)
		for {
			n, err := r.body.Read(buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Bytes reads the whole body.
func (r *Response) Bytes() ([]byte, error) {
	if !r.consumed.CompareAndSwap(false, true) {
		return nil, ErrConsumed
	}
	defer r.body.Close()
	return io.ReadAll(r.body)
}

// Close releases the body. It is safe to call after the body was consumed.
func (r *Response) Close() error {
	return r.body.Close()
}
