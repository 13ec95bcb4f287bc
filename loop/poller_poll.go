//go:build !linux && !darwin

package loop

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller implements pollerBackend over POSIX poll(2), the fallback
// readiness primitive for platforms where neither epoll nor kqueue is
// available (§6: "requires one of epoll, kqueue, or poll").
//
// poll(2) has no persistent kernel-side interest set, so registerFD and
// friends just maintain pollFds/order in user space; poll itself rebuilds
// the pollfd slice's revents each call.
type pollPoller struct {
	order   []int       // fd, in registration order, indexes pollFds 1:1
	index   map[int]int // fd -> index into order/pollFds
	pollFds []unix.PollFd
}

func newPollerBackend() pollerBackend {
	return &pollPoller{index: make(map[int]int)}
}

func (p *pollPoller) init() error { return nil }

func (p *pollPoller) closeBackend() error {
	p.order = nil
	p.pollFds = nil
	p.index = make(map[int]int)
	return nil
}

func (p *pollPoller) registerFD(fd int, events IOEvents) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if _, ok := p.index[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	p.index[fd] = len(p.order)
	p.order = append(p.order, fd)
	p.pollFds = append(p.pollFds, unix.PollFd{Fd: int32(fd), Events: eventsToPoll(events)})
	return nil
}

func (p *pollPoller) unregisterFD(fd int) error {
	i, ok := p.index[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	last := len(p.order) - 1
	p.order[i] = p.order[last]
	p.pollFds[i] = p.pollFds[last]
	p.index[p.order[i]] = i
	p.order = p.order[:last]
	p.pollFds = p.pollFds[:last]
	delete(p.index, fd)
	return nil
}

func (p *pollPoller) modifyFD(fd int, events IOEvents) error {
	i, ok := p.index[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	p.pollFds[i].Events = eventsToPoll(events)
	return nil
}

func (p *pollPoller) poll(timeout time.Duration, dispatch func(fd int, events IOEvents)) error {
	ms := durationToPollMillis(timeout)
	n, err := unix.Poll(p.pollFds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if n == 0 {
		return nil
	}
	for i := range p.pollFds {
		if p.pollFds[i].Revents == 0 {
			continue
		}
		dispatch(int(p.pollFds[i].Fd), pollToEvents(p.pollFds[i].Revents))
		p.pollFds[i].Revents = 0
	}
	return nil
}

func eventsToPoll(events IOEvents) int16 {
	var e int16
	if events&EventRead != 0 {
		e |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func pollToEvents(revents int16) IOEvents {
	var events IOEvents
	if revents&unix.POLLIN != 0 {
		events |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if revents&unix.POLLERR != 0 {
		events |= EventError
	}
	if revents&(unix.POLLHUP|unix.POLLNVAL) != 0 {
		events |= EventHangup
	}
	return events
}
