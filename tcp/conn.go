package tcp

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/thorio/loop"
	"github.com/joeycumines/thorio/pubsub"
)

// highWaterMark/lowWaterMark bound the outgoing write queue: crossing
// high emits OnPause(true) so a well-behaved writer stops; draining back
// below low emits OnPause(false). Chosen generously enough that ordinary
// HTTP messages never trip it while still catching a genuinely stalled
// peer within about a MiB of queued data.
const (
	highWaterMark = 1 << 20
	lowWaterMark  = 1 << 16
)

// readChunkSize bounds a single read(2) call within the per-dispatch read
// loop, and so the size of each OnData chunk.
const readChunkSize = 16384

// Conn is the capability set httpcore programs against, rather than the
// concrete *Connection type, so a future TLS-terminating implementation
// (wrapping a *Connection with handshake and record framing) can stand
// in without httpcore changing.
type Conn interface {
	FD() int
	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Write enqueues p for sending. Always non-blocking: it never returns
	// until the bytes are queued, which may cross the high-water mark and
	// trigger OnPause(true).
	Write(p []byte) error

	// Pause toggles read-side delivery. Connections start read-paused
	// (flag=true); OnData is never invoked until Pause(false) is called.
	Pause(flag bool) error

	Close() error

	OnData(fn func([]byte)) pubsub.ListenerID
	// OnPause fires with true when the outgoing queue crosses the
	// high-water mark, and false once it later drains below the
	// low-water mark.
	OnPause(fn func(bool)) pubsub.ListenerID
	OnClose(fn func(error)) pubsub.ListenerID

	// RemoveDataListener and RemoveCloseListener undo a prior OnData/
	// OnClose subscription, by ID. A connection pool uses these to
	// detach its idle-eviction listeners at checkout time, before
	// handing the connection to a new owner.
	RemoveDataListener(id pubsub.ListenerID) bool
	RemoveCloseListener(id pubsub.ListenerID) bool
}

// Connection is a non-blocking plain-TCP Conn driven by a loop.Loop.
type Connection struct {
	fd            int
	l             *loop.Loop
	remote, local net.Addr
	interests     loop.IOEvents

	readPaused  bool
	writePaused bool
	closing     bool // Close() called with a nonempty write queue; finishes once drained
	closed      bool

	writeBuf []byte

	onData  *pubsub.Emitter[func([]byte)]
	onPause *pubsub.Emitter[func(bool)]
	onClose *pubsub.Emitter[func(error)]

	readBuf [readChunkSize]byte
}

// newConnection wraps an already-connected, already-nonblocking fd.
// Per the read-pause/resume contract, it registers no read interest
// until Pause(false) is called, so subscribers may attach before any
// data can arrive.
func newConnection(l *loop.Loop, fd int, remote, local net.Addr) (*Connection, error) {
	c := &Connection{
		fd:         fd,
		l:          l,
		remote:     remote,
		local:      local,
		readPaused: true,
		onData:     pubsub.New[func([]byte)](),
		onPause:    pubsub.New[func(bool)](),
		onClose:    pubsub.New[func(error)](),
	}
	if err := l.Register(fd, 0, c.handleReady); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) FD() int              { return c.fd }
func (c *Connection) RemoteAddr() net.Addr { return c.remote }
func (c *Connection) LocalAddr() net.Addr  { return c.local }

func (c *Connection) OnData(fn func([]byte)) pubsub.ListenerID { return c.onData.On(fn) }
func (c *Connection) OnPause(fn func(bool)) pubsub.ListenerID  { return c.onPause.On(fn) }
func (c *Connection) OnClose(fn func(error)) pubsub.ListenerID { return c.onClose.On(fn) }

func (c *Connection) RemoveDataListener(id pubsub.ListenerID) bool  { return c.onData.RemoveListener(id) }
func (c *Connection) RemoveCloseListener(id pubsub.ListenerID) bool { return c.onClose.RemoveListener(id) }

// Pause sets the read-paused flag. While paused, no data is drained from
// the socket and OnData is never invoked; the kernel receive buffer
// fills, applying TCP-level backpressure to the peer.
func (c *Connection) Pause(flag bool) error {
	if c.closed {
		return ErrClosed
	}
	if c.readPaused == flag {
		return nil
	}
	c.readPaused = flag
	return c.syncInterests()
}

func (c *Connection) wantInterests() loop.IOEvents {
	var want loop.IOEvents
	if !c.readPaused {
		want |= loop.EventRead
	}
	if len(c.writeBuf) > 0 {
		want |= loop.EventWrite
	}
	return want
}

func (c *Connection) syncInterests() error {
	want := c.wantInterests()
	if want == c.interests {
		return nil
	}
	if err := c.l.UpdateInterests(c.fd, want); err != nil {
		return err
	}
	c.interests = want
	return nil
}

// Write enqueues p, attempting an immediate nonblocking send first so
// the common case (peer keeping up) never touches the queue at all.
func (c *Connection) Write(p []byte) error {
	if c.closed {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}

	if len(c.writeBuf) == 0 {
		n, werr := unix.Write(c.fd, p)
		if werr != nil && werr != unix.EAGAIN && werr != unix.EWOULDBLOCK {
			logWarn("tcp", "write failed", werr)
			return werr
		}
		p = p[n:]
		if len(p) == 0 {
			return nil
		}
	}

	c.writeBuf = append(c.writeBuf, p...)
	if err := c.syncInterests(); err != nil {
		return err
	}
	if !c.writePaused && len(c.writeBuf) > highWaterMark {
		c.writePaused = true
		c.onPause.Emit(func(fn func(bool)) { fn(true) })
	}
	return nil
}

func (c *Connection) handleReady(events loop.IOEvents) {
	if events&loop.EventWrite != 0 {
		c.flushWriteBuf()
		if c.closed {
			return
		}
	}
	if events&(loop.EventHangup|loop.EventError) != 0 {
		c.teardown(nil)
		return
	}
	if events&loop.EventRead != 0 {
		c.drainReadable()
	}
}

func (c *Connection) flushWriteBuf() {
	for len(c.writeBuf) > 0 {
		n, err := unix.Write(c.fd, c.writeBuf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			c.teardown(err)
			return
		}
		if n == 0 {
			break
		}
		c.writeBuf = c.writeBuf[n:]
		if c.writePaused && len(c.writeBuf) <= lowWaterMark {
			c.writePaused = false
			c.onPause.Emit(func(fn func(bool)) { fn(false) })
		}
	}
	if len(c.writeBuf) == 0 && c.closing {
		c.teardown(nil)
		return
	}
	_ = c.syncInterests()
}

// drainReadable reads one readChunkSize read per iteration, continuing
// while more is immediately available: it stops at EAGAIN, EOF, an
// error, or once the connection is paused or closed. The number of
// reads per dispatch is not otherwise capped.
func (c *Connection) drainReadable() {
	for !c.readPaused && !c.closed {
		n, err := unix.Read(c.fd, c.readBuf[:])
		if n > 0 {
			buf := make([]byte, n)
			copy(buf, c.readBuf[:n])
			c.onData.Emit(func(fn func([]byte)) { fn(buf) })
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			// Any other errno is fatal to the connection but not the loop.
			c.teardown(nil)
			return
		}
		if n == 0 {
			c.teardown(nil)
			return
		}
	}
}

// Close flushes pending writes best-effort, then shuts the connection
// down once the outgoing queue empties; close is emitted exactly once,
// whether triggered locally, by peer EOF, or by a network error. If the
// peer closes first or an error occurs before the queue drains, the
// remaining queued bytes are discarded.
func (c *Connection) Close() error {
	if c.closed || c.closing {
		return nil
	}
	if len(c.writeBuf) == 0 {
		return c.teardown(nil)
	}
	c.closing = true
	return nil
}

func (c *Connection) teardown(err error) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.writeBuf = nil
	_ = c.l.Unregister(c.fd)
	cerr := unix.Close(c.fd)
	logDebug("tcp", "connection closed", map[string]any{"fd": c.fd, "err": err})
	c.onClose.Emit(func(fn func(error)) { fn(err) })
	return cerr
}
