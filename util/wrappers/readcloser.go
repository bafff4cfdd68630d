package wrappers

import (
	"errors"
	"io"
	"sync/atomic"
)

var ErrClosed = errors.New("closed")

// ReaderWrapper lets the console "close" stdin without closing the real file
type ReaderWrapper struct {
	isClosed atomic.Bool
	wrapped  io.Reader
}

// Close implements repl.ReadCloser.
func (r *ReaderWrapper) Close() error {
	r.isClosed.Store(true)
	return nil
}

// Read implements repl.ReadCloser.
// A read that is already blocked on the wrapped reader isn't interrupted,
// its result is thrown away though.
func (r *ReaderWrapper) Read(p []byte) (n int, err error) {
	if r.isClosed.Load() {
		return 0, ErrClosed
	}
	n, err = r.wrapped.Read(p)
	if r.isClosed.Load() {
		return 0, ErrClosed
	}
	return n, err
}

func NewReaderWrapper(wraps io.Reader) *ReaderWrapper {
	return &ReaderWrapper{
		wrapped: wraps,
	}
}
