package conn

import (
	"net"
	"sync"
	"time"

	"github.com/searchktools/evserver/core/buffer"
)

// Connection is one accepted client. Its buffers are touched by at most
// one worker at a time because the descriptor is armed one-shot; mu only
// guards the lifecycle fields.
type Connection struct {
	fd      int
	handle  Handle
	channel Channel
	recv    *buffer.Buffer
	send    *buffer.Buffer
	remote  net.Addr
	created time.Time

	keepAlive  bool
	peerClosed bool
	context    any

	mu           sync.Mutex
	busy         int
	disconnected bool
	finalized    bool
}

// New creates a connection over ch. Keep-alive starts enabled.
func New(ch Channel, recv, send *buffer.Buffer, remote net.Addr) *Connection {
	return &Connection{
		fd:        ch.Fd(),
		channel:   ch,
		recv:      recv,
		send:      send,
		remote:    remote,
		created:   time.Now(),
		keepAlive: true,
	}
}

func (c *Connection) Fd() int              { return c.fd }
func (c *Connection) Handle() Handle       { return c.handle }
func (c *Connection) Channel() Channel     { return c.channel }
func (c *Connection) Recv() *buffer.Buffer { return c.recv }
func (c *Connection) Send() *buffer.Buffer { return c.send }
func (c *Connection) RemoteAddr() net.Addr { return c.remote }
func (c *Connection) Created() time.Time   { return c.created }

// KeepAlive reports whether the connection survives the current response.
func (c *Connection) KeepAlive() bool     { return c.keepAlive }
func (c *Connection) SetKeepAlive(v bool) { c.keepAlive = v }

// PeerClosed reports that the client half-closed after its last request.
func (c *Connection) PeerClosed() bool { return c.peerClosed }
func (c *Connection) SetPeerClosed()   { c.peerClosed = true }

// Context is application state carried across message callbacks. The
// application clears it before each new request cycle.
func (c *Connection) Context() any     { return c.context }
func (c *Connection) SetContext(v any) { c.context = v }

// Read drains the socket into the receive buffer.
func (c *Connection) Read() (int, error) {
	return c.channel.Read(c.recv)
}

// Write flushes the send buffer and its attachment.
func (c *Connection) Write() (int, bool, error) {
	return c.channel.Write(c.send)
}

// Acquire marks a worker as inside the connection. It fails once the
// connection is disconnected.
func (c *Connection) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return false
	}
	c.busy++
	return true
}

// Release ends a worker's stay. It reports true when the caller must
// finalize: the connection was disconnected meanwhile and this was the
// last worker.
func (c *Connection) Release() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy--
	if c.disconnected && c.busy == 0 && !c.finalized {
		c.finalized = true
		return true
	}
	return false
}

// MarkDisconnected flips the disconnected flag. first is true only for the
// call that flipped it; finalize is true when no worker is inside and the
// caller must run the teardown itself.
func (c *Connection) MarkDisconnected() (first, finalize bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return false, false
	}
	c.disconnected = true
	if c.busy == 0 && !c.finalized {
		c.finalized = true
		return true, true
	}
	return true, false
}

// Disconnected reports whether teardown has begun.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// ReleaseResources releases the attachment and transport state. The
// descriptor stays open.
func (c *Connection) ReleaseResources() error {
	c.recv.Reset()
	c.send.Reset()
	return c.channel.Close()
}
