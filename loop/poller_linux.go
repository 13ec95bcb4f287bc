//go:build linux

package loop

import (
	"time"

	"golang.org/x/sys/unix"
)

// maxFDs bounds the direct-index registration table. Chosen to comfortably
// exceed default ulimit -n on any production host; growth beyond this is
// rejected with ErrFDOutOfRange rather than silently reallocating, since
// a single loop goroutine has no need to race a resize against a poll
// in flight.
const maxFDs = 65536

type fdEntry struct {
	events IOEvents
	active bool
}

// epollPoller implements pollerBackend over Linux epoll(7). It is used
// from a single goroutine only, so it carries no locks, atomics, or
// version counters.
type epollPoller struct {
	epfd     int
	fds      [maxFDs]fdEntry
	eventBuf [256]unix.EpollEvent
}

func newPollerBackend() pollerBackend {
	return &epollPoller{epfd: -1}
}

func (p *epollPoller) init() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = fd
	return nil
}

func (p *epollPoller) closeBackend() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}

func (p *epollPoller) registerFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	if p.fds[fd].active {
		return ErrFDAlreadyRegistered
	}
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = fdEntry{events: events, active: true}
	return nil
}

func (p *epollPoller) unregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	if !p.fds[fd].active {
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdEntry{}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) modifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	if !p.fds[fd].active {
		return ErrFDNotRegistered
	}
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd].events = events
	return nil
}

func (p *epollPoller) poll(timeout time.Duration, dispatch func(fd int, events IOEvents)) error {
	ms := durationToPollMillis(timeout)
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs || !p.fds[fd].active {
			continue
		}
		dispatch(fd, epollToEvents(p.eventBuf[i].Events))
	}
	return nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
