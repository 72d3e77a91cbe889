package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		unix.SetNonblock(fd, true)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func wait(t *testing.T, p Poller, timeoutMs int) []Event {
	t.Helper()
	events := make([]Event, 16)
	n, err := p.Wait(events, timeoutMs)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return events[:n]
}

func TestPoller_OneShotRearm(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	a, b := socketpair(t)
	if err := p.Add(a, Readable|OneShot); err != nil {
		t.Fatalf("Add: %v", err)
	}

	unix.Write(b, []byte("ping"))
	evs := wait(t, p, 1000)
	if len(evs) != 1 || evs[0].Fd != a || !evs[0].Readable {
		t.Fatalf("Expected one readable event for fd %d, got %+v", a, evs)
	}

	// disarmed: more data must not produce an event until Modify
	unix.Write(b, []byte("pong"))
	if evs := wait(t, p, 50); len(evs) != 0 {
		t.Fatalf("Expected no events while disarmed, got %+v", evs)
	}

	// re-arming with unread data pending reports it again
	if err := p.Modify(a, Readable|OneShot); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	evs = wait(t, p, 1000)
	if len(evs) != 1 || !evs[0].Readable {
		t.Fatalf("Expected readable event after re-arm, got %+v", evs)
	}
}

func TestPoller_WritableAndRemove(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	a, _ := socketpair(t)
	if err := p.Add(a, Writable|OneShot); err != nil {
		t.Fatalf("Add: %v", err)
	}
	evs := wait(t, p, 1000)
	if len(evs) != 1 || !evs[0].Writable {
		t.Fatalf("Expected writable event, got %+v", evs)
	}

	if err := p.Remove(a); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := p.Add(a, Readable|OneShot); err != nil {
		t.Errorf("Expected re-Add after Remove to succeed, got %v", err)
	}
}

func TestPoller_Hangup(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	a, b := socketpair(t)
	p.Add(a, Readable|OneShot)
	unix.Shutdown(b, unix.SHUT_WR)

	evs := wait(t, p, 1000)
	if len(evs) != 1 || !evs[0].Hangup {
		t.Fatalf("Expected hangup event, got %+v", evs)
	}
}

func TestNotifier_WakesWait(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	n, err := NewNotifier()
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	defer n.Close()
	p.Add(n.Fd(), Readable)

	go func() {
		time.Sleep(20 * time.Millisecond)
		n.Notify()
	}()

	evs := wait(t, p, 2000)
	if len(evs) != 1 || evs[0].Fd != n.Fd() {
		t.Fatalf("Expected notifier event, got %+v", evs)
	}
	if c, err := n.Drain(); err != nil || c == 0 {
		t.Errorf("Expected drained count > 0, got %d (%v)", c, err)
	}
	if c, _ := n.Drain(); c != 0 {
		t.Errorf("Expected empty after drain, got %d", c)
	}
}

func TestTicker_Fires(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	tk, err := NewTicker(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("NewTicker: %v", err)
	}
	defer tk.Close()
	p.Add(tk.Fd(), Readable)

	evs := wait(t, p, 2000)
	if len(evs) != 1 || evs[0].Fd != tk.Fd() {
		t.Fatalf("Expected ticker event, got %+v", evs)
	}
	if c, _ := tk.Drain(); c == 0 {
		t.Error("Expected at least one expiration")
	}
}
