package tcp

import "errors"

var (
	// ErrWouldBlock names a full socket send buffer. Connection.Write
	// never returns it: bytes the socket cannot take yet are queued, and
	// backpressure is signalled through OnPause instead.
	ErrWouldBlock = errors.New("tcp: write would block")

	// ErrClosed is returned by operations on a Connection or Server after
	// Close has been called.
	ErrClosed = errors.New("tcp: use of closed connection")

	// ErrConnectionRefused mirrors ECONNREFUSED, surfaced through Connect's
	// callback rather than as a Go error type so callers needn't import
	// golang.org/x/sys/unix to check it.
	ErrConnectionRefused = errors.New("tcp: connection refused")
)
