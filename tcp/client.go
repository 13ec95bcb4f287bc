package tcp

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/thorio/loop"
)

// ConnectHandle cancels an in-progress Connect, per §4.2.1's
// connect(host, port, timeout?) contract: a timeout must close the
// pending socket rather than leave it registered until the OS connect
// eventually resolves. Cancel on an already-resolved or already-
// cancelled handle is a harmless no-op.
type ConnectHandle struct {
	state *connectState
}

// Cancel unregisters and closes the pending socket, if the connect
// attempt hasn't already completed. onConnect is never called for a
// cancelled attempt.
func (h ConnectHandle) Cancel() {
	if h.state == nil || h.state.done {
		return
	}
	h.state.done = true
	_ = h.state.l.Unregister(h.state.fd)
	_ = unix.Close(h.state.fd)
}

type connectState struct {
	l    *loop.Loop
	fd   int
	done bool
}

// Connect resolves address and opens a non-blocking TCP connection to it,
// registering the in-progress socket with l and invoking onConnect
// exactly once, from the loop goroutine, once the connect completes or
// fails. Connect itself must also be called from the loop goroutine. The
// returned ConnectHandle lets a caller (e.g. a connect-timeout timer)
// abandon and close the pending socket before it resolves.
func Connect(l *loop.Loop, address string, onConnect func(*Connection, error)) (ConnectHandle, error) {
	addr, err := resolveTCPAddr(address)
	if err != nil {
		return ConnectHandle{}, err
	}

	domain := unix.AF_INET
	if isIPv6(addr) {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return ConnectHandle{}, err
	}

	sa := toSockaddr(addr)
	connErr := unix.Connect(fd, sa)
	if connErr == nil {
		// finishConnect reports any failure through onConnect itself.
		_ = finishConnect(l, fd, addr, onConnect)
		return ConnectHandle{}, nil
	}
	if connErr != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return ConnectHandle{}, connErr
	}

	state := &connectState{l: l, fd: fd}

	// Connect is in progress: wait for the fd to become writable, then
	// check SO_ERROR to distinguish success from a deferred failure
	// (ECONNREFUSED et al surface this way for nonblocking connect).
	err = l.Register(fd, loop.EventWrite, func(events loop.IOEvents) {
		if state.done {
			return
		}
		state.done = true
		_ = l.Unregister(fd)

		soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			_ = unix.Close(fd)
			onConnect(nil, gerr)
			return
		}
		if soErr != 0 {
			_ = unix.Close(fd)
			err := unix.Errno(soErr)
			if err == unix.ECONNREFUSED {
				onConnect(nil, ErrConnectionRefused)
				return
			}
			onConnect(nil, err)
			return
		}

		_ = finishConnect(l, fd, addr, onConnect)
	})
	if err != nil {
		_ = unix.Close(fd)
		return ConnectHandle{}, err
	}
	return ConnectHandle{state: state}, nil
}

func finishConnect(l *loop.Loop, fd int, remote *net.TCPAddr, onConnect func(*Connection, error)) error {
	local := localAddr(fd)
	conn, err := newConnection(l, fd, remote, local)
	if err != nil {
		_ = unix.Close(fd)
		onConnect(nil, err)
		return err
	}
	onConnect(conn, nil)
	return nil
}

func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return fromSockaddr(sa)
}
