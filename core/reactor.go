package core

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/golog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/evserver/core/buffer"
	"github.com/searchktools/evserver/core/conn"
	"github.com/searchktools/evserver/core/poller"
	"github.com/searchktools/evserver/core/pools"
	"github.com/searchktools/evserver/core/timer"
)

var log = golog.LoggerFor("evserver.core")

// Handler is the application side of the reactor.
//
// OnMessage runs on a worker whenever the receive buffer is non-empty
// after a read. Returning true means a response is queued in the send
// buffer and the connection is armed for write; false arms it for read.
//
// OnClose runs exactly once per connection during teardown.
type Handler interface {
	OnMessage(c *conn.Connection) bool
	OnClose(c *conn.Connection)
}

// Options configures a Reactor.
type Options struct {
	Addr           string
	Workers        int
	IdleTimeout    time.Duration
	TickInterval   time.Duration
	MaxConnections int
	RecvBufferMax  int
	SendBufferMax  int

	// TLSConfig switches accepted connections to the encrypted channel.
	TLSConfig *tls.Config

	// Poller replaces the platform poller (tests wrap the real one).
	Poller poller.Poller
}

func (o *Options) normalize() {
	o.IdleTimeout = ClampIdleTimeout(o.IdleTimeout)
	if o.TickInterval <= 0 {
		o.TickInterval = TickIntervalFor(o.IdleTimeout)
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.RecvBufferMax <= 0 {
		o.RecvBufferMax = DefaultRecvBufferMax
	}
	if o.SendBufferMax <= 0 {
		o.SendBufferMax = DefaultSendBufferMax
	}
}

// Reactor is a readiness-driven TCP server. One goroutine multiplexes;
// a TaskPool performs all socket I/O, handshakes and handler calls.
// Connection descriptors are armed one-shot, so at most one worker is
// inside a connection's buffers at a time.
type Reactor struct {
	opts    Options
	handler Handler

	poller   poller.Poller
	notifier *poller.Notifier
	ticker   *poller.Ticker
	lfd      int
	addr     *net.TCPAddr

	table  *conn.Table
	timers *timer.Queue[int]
	pool   *pools.TaskPool
	bytes  *pools.BytePool
	events []poller.Event

	hooksMu sync.Mutex
	hooks   []func(time.Time)

	shutdown  atomic.Bool
	closeOnce sync.Once
	stats     counters
}

// NewReactor binds the listener and prepares the loop. Nothing is
// dispatched until Run or RunOnce.
func NewReactor(opts Options, h Handler) (*Reactor, error) {
	if h == nil {
		return nil, ErrNoHandler
	}
	opts.normalize()

	r := &Reactor{
		opts:    opts,
		handler: h,
		lfd:     -1,
		table:   conn.NewTable(1024),
		timers:  timer.NewQueue[int](),
		bytes:   pools.NewBytePool(),
		events:  make([]poller.Event, maxEvents),
	}

	var err error
	if r.poller = opts.Poller; r.poller == nil {
		if r.poller, err = poller.NewPoller(); err != nil {
			return nil, fmt.Errorf("poller: %w", err)
		}
	}
	if r.lfd, r.addr, err = conn.Listen(opts.Addr); err != nil {
		r.poller.Close()
		return nil, err
	}
	if r.notifier, err = poller.NewNotifier(); err != nil {
		r.release()
		return nil, fmt.Errorf("wakeup descriptor: %w", err)
	}
	if r.ticker, err = poller.NewTicker(opts.TickInterval); err != nil {
		r.release()
		return nil, fmt.Errorf("timer descriptor: %w", err)
	}

	for _, fd := range []int{r.lfd, r.notifier.Fd(), r.ticker.Fd()} {
		if err := r.poller.Add(fd, poller.Readable); err != nil {
			r.release()
			return nil, fmt.Errorf("register fd %d: %w", fd, err)
		}
	}

	r.pool = pools.NewTaskPool(opts.Workers)
	log.Debugf("Listening on %v (workers=%d idle=%v tick=%v tls=%v)",
		r.addr, opts.Workers, opts.IdleTimeout, opts.TickInterval, opts.TLSConfig != nil)
	return r, nil
}

// Addr returns the bound listener address.
func (r *Reactor) Addr() *net.TCPAddr { return r.addr }

// IdleTimeout returns the effective idle timeout.
func (r *Reactor) IdleTimeout() time.Duration { return r.opts.IdleTimeout }

// OnTick registers a housekeeping hook run on the reactor goroutine after
// expired timers on every timer-descriptor tick.
func (r *Reactor) OnTick(fn func(now time.Time)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Quit asks the loop to stop. Safe from any goroutine.
func (r *Reactor) Quit() {
	if err := r.notifier.Notify(); err != nil {
		log.Errorf("wakeup: %v", err)
	}
}

// Register arms fd with the given interest, one-shot.
func (r *Reactor) Register(fd int, in poller.Interest) error {
	return r.poller.Add(fd, in|poller.OneShot)
}

// Rearm re-enables a one-shot registration.
func (r *Reactor) Rearm(fd int, in poller.Interest) error {
	return r.poller.Modify(fd, in|poller.OneShot)
}

// Deregister removes fd from the poller.
func (r *Reactor) Deregister(fd int) error {
	return r.poller.Remove(fd)
}

// Run loops until Quit is called or ctx is done, then tears down every
// live connection and drains the task pool.
func (r *Reactor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, r.Quit)
	defer stop()
	defer r.Close()

	for !r.shutdown.Load() {
		if err := r.RunOnce(); err != nil {
			return err
		}
	}
	log.Debugf("Reactor on %v stopping", r.addr)
	return nil
}

// RunOnce waits for readiness and dispatches every ready descriptor.
func (r *Reactor) RunOnce() error {
	n, err := r.poller.Wait(r.events, -1)
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	for i := 0; i < n; i++ {
		r.dispatch(r.events[i])
	}
	return nil
}

func (r *Reactor) dispatch(ev poller.Event) {
	switch ev.Fd {
	case r.lfd:
		r.accept()
		return
	case r.notifier.Fd():
		r.notifier.Drain()
		r.shutdown.Store(true)
		return
	case r.ticker.Fd():
		r.ticker.Drain()
		r.tick(time.Now())
		return
	}

	c := r.table.Get(ev.Fd)
	if c == nil {
		return
	}
	if ev.Error || (ev.Hangup && !ev.Readable) {
		r.closeConn(c, "hangup")
		return
	}
	if !c.Acquire() {
		return
	}

	var task pools.Task
	switch {
	case ev.Readable:
		task = func() { r.onRead(c) }
	case ev.Writable:
		task = func() { r.onWrite(c) }
	default:
		r.leave(c)
		return
	}
	if !r.pool.Submit(task) {
		r.leave(c)
		r.closeConn(c, "pool closed")
	}
}

func (r *Reactor) accept() {
	for {
		fd, remote, err := conn.Accept(r.lfd)
		if err != nil {
			if !conn.IsTemporary(err) {
				log.Errorf("accept: %v", err)
			}
			return
		}
		if r.table.Len() >= r.opts.MaxConnections {
			log.Debugf("Connection limit %d reached, dropping %v", r.opts.MaxConnections, remote)
			unix.Close(fd)
			r.stats.rejected.Add(1)
			continue
		}
		r.stats.accepted.Add(1)
		r.open(fd, remote)
	}
}

func (r *Reactor) open(fd int, remote net.Addr) {
	var ch conn.Channel
	var tc *conn.TLSChannel
	if r.opts.TLSConfig != nil {
		tc = conn.NewTLSChannel(fd, r.opts.TLSConfig)
		ch = tc
	} else {
		ch = conn.NewRawChannel(fd)
	}

	recv := buffer.NewWithBacking(r.bytes.Get(buffer.DefaultSize), r.opts.RecvBufferMax)
	send := buffer.NewWithBacking(r.bytes.Get(buffer.DefaultSize), r.opts.SendBufferMax)
	c := conn.New(ch, recv, send, remote)
	h := r.table.Insert(c)
	r.timers.Add(fd, time.Now().Add(r.opts.IdleTimeout), r.expiry(h))
	log.Tracef("Accepted fd %d from %v", fd, remote)

	if tc == nil {
		if err := r.Register(fd, poller.Readable); err != nil {
			log.Errorf("register fd %d: %v", fd, err)
			r.closeConn(c, "register")
		}
		return
	}

	// The handshake blocks, so it runs on a worker. The descriptor joins
	// the poller only after it succeeds.
	c.Acquire()
	ok := r.pool.Submit(func() {
		defer r.guard(c)
		if err := tc.Handshake(r.opts.IdleTimeout); err != nil {
			log.Debugf("TLS handshake with %v failed: %v", remote, err)
			r.stats.handshakeFailures.Add(1)
			r.closeConn(c, "handshake")
			return
		}
		r.touch(c)
		if err := r.Register(fd, poller.Readable); err != nil {
			log.Errorf("register fd %d: %v", fd, err)
			r.closeConn(c, "register")
		}
	})
	if !ok {
		r.leave(c)
		r.closeConn(c, "pool closed")
	}
}

// expiry builds the idle callback for a connection. It holds a handle,
// not the connection, so a reused descriptor is never closed by mistake.
func (r *Reactor) expiry(h conn.Handle) timer.Callback {
	return func() {
		if c := r.table.Lookup(h); c != nil {
			r.stats.idleEvicted.Add(1)
			r.closeConn(c, "idle")
		}
	}
}

// touch pushes the idle deadline out.
func (r *Reactor) touch(c *conn.Connection) {
	r.timers.Adjust(c.Fd(), time.Now().Add(r.opts.IdleTimeout))
}

func (r *Reactor) rearm(c *conn.Connection, in poller.Interest) {
	if c.Disconnected() {
		return
	}
	if err := r.Rearm(c.Fd(), in); err != nil {
		log.Errorf("rearm fd %d: %v", c.Fd(), err)
		r.closeConn(c, "rearm")
	}
}

func (r *Reactor) onRead(c *conn.Connection) {
	defer r.guard(c)

	n, err := c.Read()
	r.stats.bytesRead.Add(uint64(n))
	if err != nil && !conn.IsTemporary(err) {
		if err != io.EOF {
			log.Debugf("read fd %d: %v", c.Fd(), err)
			r.closeConn(c, "read")
			return
		}
		c.SetPeerClosed()
	}

	if c.Recv().Readable() == 0 {
		if c.PeerClosed() {
			r.closeConn(c, "eof")
			return
		}
		r.rearm(c, poller.Readable)
		return
	}
	r.touch(c)
	r.process(c)
}

// process hands buffered bytes to the handler and arms for its answer.
func (r *Reactor) process(c *conn.Connection) {
	if r.handler.OnMessage(c) {
		r.rearm(c, poller.Writable)
		return
	}
	if c.PeerClosed() {
		// request can never complete
		r.closeConn(c, "eof")
		return
	}
	r.rearm(c, poller.Readable)
}

func (r *Reactor) onWrite(c *conn.Connection) {
	defer r.guard(c)

	n, complete, err := c.Write()
	r.stats.bytesWritten.Add(uint64(n))
	if err != nil {
		log.Debugf("write fd %d: %v", c.Fd(), err)
		r.closeConn(c, "write")
		return
	}
	r.touch(c)
	if !complete {
		r.rearm(c, poller.Writable)
		return
	}

	r.stats.responses.Add(1)
	c.Channel().ResetSent()
	if !c.KeepAlive() {
		r.closeConn(c, "close")
		return
	}
	// Pipelined requests already sit in the buffer; edge-triggered arming
	// would not report them again.
	if c.Recv().Readable() > 0 {
		r.process(c)
		return
	}
	if c.PeerClosed() {
		r.closeConn(c, "eof")
		return
	}
	r.rearm(c, poller.Readable)
}

// guard recovers a panicking handler and ends the worker's stay.
func (r *Reactor) guard(c *conn.Connection) {
	if p := recover(); p != nil {
		r.stats.panics.Add(1)
		log.Errorf("handler panic on fd %d: %v", c.Fd(), p)
		r.closeConn(c, "panic")
	}
	r.leave(c)
}

func (r *Reactor) leave(c *conn.Connection) {
	if c.Release() {
		r.finalize(c)
	}
}

// closeConn starts teardown. Only the first call has any effect; the
// release steps run here or, if a worker is inside, when it leaves.
func (r *Reactor) closeConn(c *conn.Connection, reason string) {
	first, finalize := c.MarkDisconnected()
	if !first {
		return
	}
	log.Tracef("Closing fd %d: %s", c.Fd(), reason)
	if err := r.Deregister(c.Fd()); err != nil {
		// never registered (handshake still pending or failed)
		log.Tracef("deregister fd %d: %v", c.Fd(), err)
	}
	if finalize {
		r.finalize(c)
	}
}

// finalize releases everything the connection owns. The descriptor is
// closed last so the kernel cannot hand the number out while the table
// slot or timer still refers to it.
func (r *Reactor) finalize(c *conn.Connection) {
	fd := c.Fd()
	if err := c.ReleaseResources(); err != nil {
		log.Tracef("release fd %d: %v", fd, err)
	}
	r.handler.OnClose(c)
	r.timers.Erase(fd)
	r.table.Release(c.Handle())
	r.bytes.Put(c.Recv().Backing())
	r.bytes.Put(c.Send().Backing())
	r.stats.closed.Add(1)
	if err := unix.Close(fd); err != nil {
		log.Errorf("close fd %d: %v", fd, err)
	}
}

func (r *Reactor) tick(now time.Time) {
	r.timers.Expire(now)

	r.hooksMu.Lock()
	hooks := r.hooks
	r.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(now)
	}
}

// Close tears down every live connection, drains the task pool and
// releases the reactor's descriptors. It is safe to call more than once.
func (r *Reactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.shutdown.Store(true)
		for _, c := range r.table.Snapshot() {
			r.closeConn(c, "shutdown")
		}
		// workers still inside finalize as they leave
		r.pool.Close()
		err = r.release()
	})
	return err
}

func (r *Reactor) release() error {
	var errs []error
	if r.lfd >= 0 {
		errs = append(errs, unix.Close(r.lfd))
		r.lfd = -1
	}
	if r.notifier != nil {
		errs = append(errs, r.notifier.Close())
	}
	if r.ticker != nil {
		errs = append(errs, r.ticker.Close())
	}
	errs = append(errs, r.poller.Close())
	return errors.Join(errs...)
}
