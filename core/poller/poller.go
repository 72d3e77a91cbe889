package poller

import "errors"

// ErrClosed is returned by operations on a closed poller.
var ErrClosed = errors.New("poller: closed")

// Interest is the set of readiness conditions a descriptor is armed for.
type Interest uint32

const (
	// Readable arms for input readiness (and peer half-close).
	Readable Interest = 1 << iota
	// Writable arms for output readiness.
	Writable
	// OneShot makes the registration edge-triggered and disarms it after
	// one notification; it must be re-armed with Modify.
	OneShot
)

// Event is one readiness notification.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
	Error    bool
}

// Poller is the I/O multiplexing interface
type Poller interface {
	Add(fd int, in Interest) error
	Modify(fd int, in Interest) error
	Remove(fd int) error
	// Wait blocks up to timeoutMs (-1 forever) and fills events.
	Wait(events []Event, timeoutMs int) (int, error)
	Close() error
}
