package tcp

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/thorio/loop"
	"github.com/joeycumines/thorio/pubsub"
)

// Server accepts inbound TCP connections on a non-blocking listening
// socket registered with a loop.Loop.
type Server struct {
	fd     int
	l      *loop.Loop
	addr   net.Addr
	closed bool

	onConnection *pubsub.Emitter[func(*Connection)]
	onError      *pubsub.Emitter[func(error)]
	onStart      *pubsub.Emitter[func()]
	onStop       *pubsub.Emitter[func()]
}

// ListenOptions configures Listen. Backlog defaults to 1024 when zero.
type ListenOptions struct {
	Backlog    int
	ReuseAddr  bool
}

// Listen binds and listens on address, registering the resulting
// nonblocking socket with l. Must be called from the loop goroutine.
func Listen(l *loop.Loop, address string, opts ListenOptions) (*Server, error) {
	addr, err := resolveTCPAddr(address)
	if err != nil {
		return nil, err
	}

	domain := unix.AF_INET
	if isIPv6(addr) {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	if opts.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}

	if err := unix.Bind(fd, toSockaddr(addr)); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = 1024
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	boundAddr := localAddr(fd)
	if boundAddr == nil {
		boundAddr = addr
	}

	s := &Server{
		fd:           fd,
		l:            l,
		addr:         boundAddr,
		onConnection: pubsub.New[func(*Connection)](),
		onError:      pubsub.New[func(error)](),
		onStart:      pubsub.New[func()](),
		onStop:       pubsub.New[func()](),
	}
	if err := l.Register(fd, loop.EventRead, s.handleAcceptable); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	// Deferred to the next tick so a caller that registers OnStart right
	// after Listen returns (before the loop has had a chance to run)
	// still observes it, per §4.2.2's "emits start once after successful
	// bind."
	l.Schedule(0, func() { s.onStart.Emit(func(fn func()) { fn() }) })
	return s, nil
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr { return s.addr }

func (s *Server) OnConnection(fn func(*Connection)) pubsub.ListenerID {
	return s.onConnection.On(fn)
}

func (s *Server) OnError(fn func(error)) pubsub.ListenerID {
	return s.onError.On(fn)
}

// OnStart registers a listener invoked once, on the next tick after a
// successful bind (§4.2.2).
func (s *Server) OnStart(fn func()) pubsub.ListenerID {
	return s.onStart.On(fn)
}

// OnStop registers a listener invoked once, after Close (§4.2.2).
func (s *Server) OnStop(fn func()) pubsub.ListenerID {
	return s.onStop.On(fn)
}

// handleAcceptable drains every connection pending in the listen
// backlog, since readiness backends are level-triggered for accept and a
// single dispatch may coincide with several simultaneous inbound
// connections.
func (s *Server) handleAcceptable(loop.IOEvents) {
	for {
		fd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			logWarn("tcp", "accept failed", err)
			s.onError.Emit(func(fn func(error)) { fn(err) })
			return
		}

		remote := fromSockaddr(sa)
		local := localAddr(fd)
		conn, err := newConnection(s.l, fd, remote, local)
		if err != nil {
			_ = unix.Close(fd)
			logWarn("tcp", "registering accepted connection failed", err)
			s.onError.Emit(func(fn func(error)) { fn(err) })
			continue
		}
		s.onConnection.Emit(func(fn func(*Connection)) { fn(conn) })
	}
}

// Close stops accepting new connections and emits stop. Existing
// connections are unaffected.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.l.Unregister(s.fd)
	err := unix.Close(s.fd)
	s.onStop.Emit(func(fn func()) { fn() })
	return err
}
