package httpcore

import (
	"time"

	"github.com/joeycumines/thorio/loop"
	"github.com/joeycumines/thorio/pubsub"
	"github.com/joeycumines/thorio/tcp"
)

// idleEntry is one pooled connection: the checked-in conn, its armed
// idle timer, and the listener IDs watching for unsolicited activity
// while idle (§5's "connection that emits close or data while idle is
// removed from the pool immediately").
type idleEntry struct {
	conn    tcp.Conn
	timer   loop.TimeoutHandle
	dataID  pubsub.ListenerID
	closeID pubsub.ListenerID
}

// pool is the origin-keyed FIFO idle-connection pool described in §2's
// Connection pool module. It is accessed only from the loop goroutine,
// so no locking is required.
type pool struct {
	l           *loop.Loop
	idleTimeout time.Duration // zero disables pooling: checkin always discards
	idle        map[Origin][]*idleEntry
}

func newPool(l *loop.Loop, idleTimeout time.Duration) *pool {
	return &pool{l: l, idleTimeout: idleTimeout, idle: make(map[Origin][]*idleEntry)}
}

// checkout pops the front of origin's idle queue, cancelling its timer
// and detaching the idle-eviction listeners before returning it.
func (p *pool) checkout(origin Origin) tcp.Conn {
	q := p.idle[origin]
	if len(q) == 0 {
		return nil
	}
	e := q[0]
	p.idle[origin] = q[1:]

	e.timer.Cancel()
	e.conn.RemoveDataListener(e.dataID)
	e.conn.RemoveCloseListener(e.closeID)
	return e.conn
}

// checkin returns conn to origin's idle queue in a known-clean state,
// arming an idle timer of idleTimeout. If pooling is disabled (zero
// idleTimeout) the connection is closed instead.
func (p *pool) checkin(origin Origin, conn tcp.Conn) {
	if p.idleTimeout <= 0 {
		_ = conn.Close()
		return
	}

	e := &idleEntry{conn: conn}
	e.dataID = conn.OnData(func([]byte) { p.evict(origin, e) })
	e.closeID = conn.OnClose(func(error) { p.evict(origin, e) })
	e.timer = p.l.Schedule(p.idleTimeout, func() { p.evict(origin, e) })

	p.idle[origin] = append(p.idle[origin], e)
}

// evict removes e from origin's idle queue (if still present) and closes
// its connection. Safe to call more than once for the same entry.
func (p *pool) evict(origin Origin, e *idleEntry) {
	q := p.idle[origin]
	for i, cur := range q {
		if cur == e {
			p.idle[origin] = append(q[:i], q[i+1:]...)
			e.timer.Cancel()
			_ = e.conn.Close()
			return
		}
	}
}

// discard closes conn without consulting pool state, for connections
// that were never checked in (mid-exchange failures).
func (p *pool) discard(conn tcp.Conn) {
	_ = conn.Close()
}
