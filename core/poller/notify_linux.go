//go:build linux

package poller

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// Notifier is a descriptor that becomes readable when Notify is called.
// It wakes a blocked Wait from another goroutine.
type Notifier struct {
	fd int
}

// NewNotifier creates an eventfd-backed notifier.
func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Notifier{fd: fd}, nil
}

// Fd returns the descriptor to register for Readable.
func (n *Notifier) Fd() int { return n.fd }

// Notify increments the counter. Safe from any goroutine.
func (n *Notifier) Notify() error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, err := unix.Write(n.fd, b[:])
	if err == unix.EAGAIN {
		// counter saturated; already readable
		return nil
	}
	return err
}

// Drain resets the counter and returns how many notifications were pending.
func (n *Notifier) Drain() (uint64, error) {
	var b [8]byte
	_, err := unix.Read(n.fd, b[:])
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Close closes the descriptor.
func (n *Notifier) Close() error { return unix.Close(n.fd) }

// Ticker is a periodic timer descriptor that becomes readable every interval.
type Ticker struct {
	fd int
}

// NewTicker creates a timerfd firing every interval.
func NewTicker(interval time.Duration) (*Ticker, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
		Value:    unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Ticker{fd: fd}, nil
}

// Fd returns the descriptor to register for Readable.
func (t *Ticker) Fd() int { return t.fd }

// Drain consumes the expiration count.
func (t *Ticker) Drain() (uint64, error) {
	var b [8]byte
	_, err := unix.Read(t.fd, b[:])
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Close disarms and closes the descriptor.
func (t *Ticker) Close() error { return unix.Close(t.fd) }
