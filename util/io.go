package util

import (
	"errors"
	"io"
	"net"
)

// DefaultBufSize is the read chunk used when pumping forwarded
// connections (16 KiB).
const DefaultBufSize = 16 * 1024

// closeWriter is implemented by *net.TCPConn, *net.UnixConn and
// ssh.Channel.
type closeWriter interface {
	CloseWrite() error
}

// CloseWrite half-closes c if it supports it, otherwise it closes c
// entirely.  The peer observes EOF either way.
func CloseWrite(c io.Closer) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// IsHarmless returns true for errors that are expected when a peer
// goes away or a connection is torn down during shutdown.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
