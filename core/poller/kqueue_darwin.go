//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}, nil
}

// changes builds one change per filter. Filters not in the interest set are
// added disabled so Modify never fails on a filter that was never added.
func changes(fd int, in Interest) []unix.Kevent_t {
	var armed int
	if in&OneShot != 0 {
		// EV_DISPATCH disables the filter after delivery; EV_CLEAR makes it
		// edge-triggered.
		armed = unix.EV_DISPATCH | unix.EV_CLEAR
	}

	evs := make([]unix.Kevent_t, 2)
	flags := unix.EV_ADD | unix.EV_DISABLE
	if in&Readable != 0 {
		flags = unix.EV_ADD | unix.EV_ENABLE | armed
	}
	unix.SetKevent(&evs[0], fd, unix.EVFILT_READ, flags)

	flags = unix.EV_ADD | unix.EV_DISABLE
	if in&Writable != 0 {
		flags = unix.EV_ADD | unix.EV_ENABLE | armed
	}
	unix.SetKevent(&evs[1], fd, unix.EVFILT_WRITE, flags)
	return evs
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, in Interest) error {
	_, err := unix.Kevent(p.kqfd, changes(fd, in), nil, nil)
	return err
}

// Modify replaces the interest set; for one-shot registrations this re-arms.
func (p *KqueuePoller) Modify(fd int, in Interest) error {
	return p.Add(fd, in)
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	evs := make([]unix.Kevent_t, 2)
	unix.SetKevent(&evs[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&evs[1], fd, unix.EVFILT_WRITE, unix.EV_DELETE)

	var first error
	for i := range evs {
		if _, err := unix.Kevent(p.kqfd, evs[i:i+1], nil, nil); err != nil && err != unix.ENOENT && first == nil {
			first = err
		}
	}
	return first
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(events []Event, timeout int) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1_000_000)
		ts = &t
	}

	max := len(events)
	if max > len(p.events) {
		max = len(p.events)
	}
	n, err := unix.Kevent(p.kqfd, nil, p.events[:max], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		kev := p.events[i]
		events[i] = Event{
			Fd:       int(kev.Ident),
			Readable: kev.Filter == unix.EVFILT_READ,
			Writable: kev.Filter == unix.EVFILT_WRITE,
			Hangup:   kev.Flags&unix.EV_EOF != 0,
			Error:    kev.Flags&unix.EV_ERROR != 0,
		}
	}

	return n, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
