//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
	}, nil
}

func epollMask(in Interest) uint32 {
	var mask uint32
	if in&Readable != 0 {
		// EPOLLRDHUP: detect peer shutdown
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	if in&OneShot != 0 {
		mask |= unix.EPOLLONESHOT | unix.EPOLLET
	}
	return mask
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the interest set; for one-shot registrations this re-arms.
func (p *EpollPoller) Modify(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(events []Event, timeout int) (int, error) {
	max := len(events)
	if max > len(p.events) {
		max = len(p.events)
	}
	n, err := unix.EpollWait(p.epfd, p.events[:max], timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		e := p.events[i].Events
		events[i] = Event{
			Fd:       int(p.events[i].Fd),
			Readable: e&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: e&unix.EPOLLOUT != 0,
			Hangup:   e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:    e&unix.EPOLLERR != 0,
		}
	}

	return n, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}
