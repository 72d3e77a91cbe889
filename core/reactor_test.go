package core

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/searchktools/evserver/core/conn"
	"github.com/searchktools/evserver/core/poller"
)

// lineHandler answers every newline-terminated line with "ok:<line>".
type lineHandler struct {
	closes atomic.Int32
}

func (h *lineHandler) OnMessage(c *conn.Connection) bool {
	data := c.Recv().Peek()
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return false
	}
	line := string(data[:i])
	c.Recv().Retire(i + 1)

	switch line {
	case "panic":
		panic("boom")
	case "bye":
		c.SetKeepAlive(false)
	}
	c.Send().AppendString("ok:" + line + "\n")
	return true
}

func (h *lineHandler) OnClose(c *conn.Connection) {
	h.closes.Add(1)
}

// countingPoller wraps the platform poller and counts one-shot traffic.
type countingPoller struct {
	poller.Poller

	mu       sync.Mutex
	oneshot  map[int]bool
	events   int
	modifies int
	removes  map[int]int
}

func newCountingPoller(t *testing.T) *countingPoller {
	p, err := poller.NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return &countingPoller{Poller: p, oneshot: map[int]bool{}, removes: map[int]int{}}
}

func (p *countingPoller) Add(fd int, in poller.Interest) error {
	p.mu.Lock()
	if in&poller.OneShot != 0 {
		p.oneshot[fd] = true
	}
	p.mu.Unlock()
	return p.Poller.Add(fd, in)
}

func (p *countingPoller) Modify(fd int, in poller.Interest) error {
	p.mu.Lock()
	p.modifies++
	p.mu.Unlock()
	return p.Poller.Modify(fd, in)
}

func (p *countingPoller) Remove(fd int) error {
	p.mu.Lock()
	p.removes[fd]++
	delete(p.oneshot, fd)
	p.mu.Unlock()
	return p.Poller.Remove(fd)
}

func (p *countingPoller) Wait(events []poller.Event, timeout int) (int, error) {
	n, err := p.Poller.Wait(events, timeout)
	p.mu.Lock()
	for _, ev := range events[:n] {
		if p.oneshot[ev.Fd] {
			p.events++
		}
	}
	p.mu.Unlock()
	return n, err
}

func (p *countingPoller) counts() (events, modifies int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events, p.modifies
}

func startReactor(t *testing.T, opts Options, h Handler) *Reactor {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	r, err := NewReactor(opts, h)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Reactor did not stop")
		}
	})
	return r
}

func dial(t *testing.T, r *Reactor) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", r.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReactor_RequestResponse(t *testing.T) {
	r := startReactor(t, Options{IdleTimeout: 5 * time.Second}, &lineHandler{})
	c := dial(t, r)
	rd := bufio.NewReader(c)

	for _, line := range []string{"one", "two", "three"} {
		io.WriteString(c, line+"\n")
		got, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != "ok:"+line+"\n" {
			t.Errorf("Expected ok:%s, got %q", line, got)
		}
	}
}

func TestReactor_FragmentedMessage(t *testing.T) {
	r := startReactor(t, Options{IdleTimeout: 5 * time.Second}, &lineHandler{})
	c := dial(t, r)

	io.WriteString(c, "hel")
	time.Sleep(20 * time.Millisecond)
	io.WriteString(c, "lo\n")

	got, err := bufio.NewReader(c).ReadString('\n')
	if err != nil || got != "ok:hello\n" {
		t.Errorf("Expected ok:hello, got %q (%v)", got, err)
	}
}

func TestReactor_PipelinedLeftovers(t *testing.T) {
	r := startReactor(t, Options{IdleTimeout: 5 * time.Second}, &lineHandler{})
	c := dial(t, r)

	io.WriteString(c, "a\nb\nc\n")
	rd := bufio.NewReader(c)
	var got strings.Builder
	for i := 0; i < 3; i++ {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got.WriteString(line)
	}
	if got.String() != "ok:a\nok:b\nok:c\n" {
		t.Errorf("Expected three answers in order, got %q", got.String())
	}
}

func TestReactor_OneShotRearm(t *testing.T) {
	p := newCountingPoller(t)
	r := startReactor(t, Options{IdleTimeout: 5 * time.Second, Poller: p}, &lineHandler{})
	c := dial(t, r)
	rd := bufio.NewReader(c)

	io.WriteString(c, "partial")
	time.Sleep(20 * time.Millisecond)
	io.WriteString(c, "\n")
	rd.ReadString('\n')
	io.WriteString(c, "again\n")
	rd.ReadString('\n')

	// every dispatched connection event is answered by exactly one re-arm
	eventually(t, "dispatches to equal re-arms", func() bool {
		events, modifies := p.counts()
		return events > 0 && events == modifies
	})
}

func TestReactor_CloseIsIdempotent(t *testing.T) {
	p := newCountingPoller(t)
	h := &lineHandler{}
	r := startReactor(t, Options{IdleTimeout: 5 * time.Second, Poller: p}, h)
	c := dial(t, r)

	// "bye" clears keep-alive, so the server closes after the answer while
	// the client closes too.
	io.WriteString(c, "bye\n")
	bufio.NewReader(c).ReadString('\n')
	c.Close()

	eventually(t, "connection teardown", func() bool { return h.closes.Load() == 1 && r.Stats().Active == 0 })
	time.Sleep(50 * time.Millisecond)

	if h.closes.Load() != 1 {
		t.Errorf("Expected exactly one close notification, got %d", h.closes.Load())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for fd, n := range p.removes {
		if n != 1 {
			t.Errorf("Expected one deregistration for fd %d, got %d", fd, n)
		}
	}
}

func TestReactor_IdleEviction(t *testing.T) {
	h := &lineHandler{}
	r := startReactor(t, Options{IdleTimeout: 60 * time.Millisecond}, h)
	c := dial(t, r)

	start := time.Now()
	buf := make([]byte, 1)
	if _, err := c.Read(buf); err != io.EOF {
		t.Fatalf("Expected server to close an idle connection, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Expected eviction near the idle timeout, took %v", time.Since(start))
	}
	eventually(t, "idle counter", func() bool { return r.Stats().IdleEvicted == 1 })
	if h.closes.Load() != 1 {
		t.Errorf("Expected one close notification, got %d", h.closes.Load())
	}
}

func TestReactor_HandlerPanicClosesConnection(t *testing.T) {
	h := &lineHandler{}
	r := startReactor(t, Options{IdleTimeout: 5 * time.Second}, h)
	c := dial(t, r)

	io.WriteString(c, "panic\n")
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected connection closed after a handler panic, got %v", err)
	}
	eventually(t, "panic counter", func() bool { return r.Stats().Panics == 1 })

	// the reactor keeps serving
	c2 := dial(t, r)
	io.WriteString(c2, "still\n")
	if got, _ := bufio.NewReader(c2).ReadString('\n'); got != "ok:still\n" {
		t.Errorf("Expected reactor to survive, got %q", got)
	}
}

func TestReactor_OnTickAndQuit(t *testing.T) {
	r, err := NewReactor(Options{Addr: "127.0.0.1:0", TickInterval: 10 * time.Millisecond}, &lineHandler{})
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}

	var ticks atomic.Int32
	r.OnTick(func(time.Time) {
		if ticks.Add(1) == 3 {
			r.Quit()
		}
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected Quit from a tick hook to stop the loop")
	}
	if ticks.Load() < 3 {
		t.Errorf("Expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestReactor_StatsRendering(t *testing.T) {
	r := startReactor(t, Options{IdleTimeout: 5 * time.Second}, &lineHandler{})
	c := dial(t, r)
	io.WriteString(c, "x\n")
	bufio.NewReader(c).ReadString('\n')

	pb, err := r.StatsProto()
	if err != nil {
		t.Fatalf("StatsProto: %v", err)
	}
	if pb.Fields["accepted"].GetNumberValue() != 1 {
		t.Errorf("Expected accepted=1, got %v", pb.Fields["accepted"])
	}
	if !strings.Contains(r.StatsJSON(), `"bytes_written"`) {
		t.Error("Expected bytes_written in JSON stats")
	}
	if !strings.Contains(r.StatsText(), "Reactor Statistics") {
		t.Error("Expected text stats header")
	}
}

func TestClampIdleTimeout(t *testing.T) {
	if ClampIdleTimeout(0) != 2000*time.Millisecond || ClampIdleTimeout(-5) != DefaultIdleTimeout {
		t.Error("Expected non-positive idle timeouts to clamp to 2000ms")
	}
	if TickIntervalFor(4*time.Millisecond) != MinTickInterval {
		t.Errorf("Expected tick floor %v, got %v", MinTickInterval, TickIntervalFor(4*time.Millisecond))
	}
	if TickIntervalFor(time.Second) != 500*time.Millisecond {
		t.Errorf("Expected half the idle timeout, got %v", TickIntervalFor(time.Second))
	}
}
