//go:build darwin

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pipe is a non-blocking self-pipe; the read end is what gets polled.
type pipe struct {
	r, w int
}

func newPipe() (pipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return pipe{}, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return pipe{}, err
		}
	}
	return pipe{r: fds[0], w: fds[1]}, nil
}

func (p pipe) signal() error {
	_, err := unix.Write(p.w, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p pipe) drain() (uint64, error) {
	var b [64]byte
	var total uint64
	for {
		n, err := unix.Read(p.r, b[:])
		if n > 0 {
			total += uint64(n)
		}
		if err == unix.EAGAIN || n == 0 {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (p pipe) close() error {
	unix.Close(p.w)
	return unix.Close(p.r)
}

// Notifier is a descriptor that becomes readable when Notify is called.
// It wakes a blocked Wait from another goroutine.
type Notifier struct {
	p pipe
}

// NewNotifier creates a pipe-backed notifier.
func NewNotifier() (*Notifier, error) {
	p, err := newPipe()
	if err != nil {
		return nil, err
	}
	return &Notifier{p: p}, nil
}

// Fd returns the descriptor to register for Readable.
func (n *Notifier) Fd() int { return n.p.r }

// Notify makes the descriptor readable. Safe from any goroutine.
func (n *Notifier) Notify() error { return n.p.signal() }

// Drain empties the pipe and returns how many notifications were pending.
func (n *Notifier) Drain() (uint64, error) { return n.p.drain() }

// Close closes both ends.
func (n *Notifier) Close() error { return n.p.close() }

// Ticker is a periodic timer descriptor that becomes readable every interval.
// There is no timerfd here, so a goroutine feeds a pipe.
type Ticker struct {
	p    pipe
	stop chan struct{}
	done sync.WaitGroup
	once sync.Once
}

// NewTicker creates a ticker firing every interval.
func NewTicker(interval time.Duration) (*Ticker, error) {
	p, err := newPipe()
	if err != nil {
		return nil, err
	}
	t := &Ticker{p: p, stop: make(chan struct{})}
	t.done.Add(1)
	go t.loop(interval)
	return t, nil
}

func (t *Ticker) loop(interval time.Duration) {
	defer t.done.Done()
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			t.p.signal()
		case <-t.stop:
			return
		}
	}
}

// Fd returns the descriptor to register for Readable.
func (t *Ticker) Fd() int { return t.p.r }

// Drain consumes pending ticks.
func (t *Ticker) Drain() (uint64, error) { return t.p.drain() }

// Close stops the feeding goroutine and closes the pipe.
func (t *Ticker) Close() error {
	var err error
	t.once.Do(func() {
		close(t.stop)
		t.done.Wait()
		err = t.p.close()
	})
	return err
}
