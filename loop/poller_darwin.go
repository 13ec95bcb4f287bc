//go:build darwin

package loop

import (
	"time"

	"golang.org/x/sys/unix"
)

type fdEntry struct {
	events IOEvents
	active bool
}

// kqueuePoller implements pollerBackend over Darwin/BSD kqueue(2). Like
// epollPoller it assumes single-goroutine use, so fd bookkeeping is a
// plain map keyed by fd rather than anything requiring its own lock.
type kqueuePoller struct {
	kq       int
	fds      map[int]fdEntry
	eventBuf [256]unix.Kevent_t
}

func newPollerBackend() pollerBackend {
	return &kqueuePoller{kq: -1, fds: make(map[int]fdEntry)}
}

func (p *kqueuePoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *kqueuePoller) closeBackend() error {
	if p.kq < 0 {
		return nil
	}
	err := unix.Close(p.kq)
	p.kq = -1
	return err
}

func (p *kqueuePoller) registerFD(fd int, events IOEvents) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if e, ok := p.fds[fd]; ok && e.active {
		return ErrFDAlreadyRegistered
	}
	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			return err
		}
	}
	p.fds[fd] = fdEntry{events: events, active: true}
	return nil
}

func (p *kqueuePoller) unregisterFD(fd int) error {
	e, ok := p.fds[fd]
	if !ok || !e.active {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	kevents := eventsToKevents(fd, e.events, unix.EV_DELETE)
	if len(kevents) > 0 {
		_, _ = unix.Kevent(p.kq, kevents, nil, nil)
	}
	return nil
}

func (p *kqueuePoller) modifyFD(fd int, events IOEvents) error {
	e, ok := p.fds[fd]
	if !ok || !e.active {
		return ErrFDNotRegistered
	}
	old := e.events
	if removed := old &^ events; removed != 0 {
		if kevents := eventsToKevents(fd, removed, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(p.kq, kevents, nil, nil)
		}
	}
	if added := events &^ old; added != 0 {
		if kevents := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	p.fds[fd] = fdEntry{events: events, active: true}
	return nil
}

func (p *kqueuePoller) poll(timeout time.Duration, dispatch func(fd int, events IOEvents)) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeout / time.Second),
			Nsec: int64(timeout % time.Second),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if e, ok := p.fds[fd]; !ok || !e.active {
			continue
		}
		dispatch(fd, keventToEvents(&p.eventBuf[i]))
	}
	return nil
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
