package conn

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"time"

	"github.com/oxtoacart/bpool"
	"golang.org/x/sys/unix"

	"github.com/searchktools/evserver/core/buffer"
)

// highWater caps the ciphertext backlog before encryption pauses.
const highWater = 256 << 10

// scratch feeds file regions through the encryption layer.
var scratch = bpool.NewBytePool(64, 32<<10)

// tempError tells crypto/tls that a read found no data yet. It must
// report Temporary so the tls.Conn does not latch it as fatal.
type tempError struct{}

func (tempError) Error() string   { return "conn: resource temporarily unavailable" }
func (tempError) Timeout() bool   { return true }
func (tempError) Temporary() bool { return true }

// fdConn adapts a raw descriptor to net.Conn for crypto/tls.
//
// In non-blocking mode Write always accepts the whole record and queues it;
// flush pushes the queue out. Write errors are sticky inside tls.Conn, so
// would-block must never surface from Write.
type fdConn struct {
	fd       int
	blocking bool
	out      []byte
}

func (c *fdConn) Read(p []byte) (int, error) {
	if len(c.out) > 0 {
		if err := c.flush(); err != nil && err != ErrWouldBlock {
			return 0, err
		}
	}
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if c.blocking {
				// SO_RCVTIMEO expired
				return 0, os.ErrDeadlineExceeded
			}
			return 0, tempError{}
		}
		if err != nil {
			return 0, classify(err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	c.out = append(c.out, p...)
	if c.blocking {
		if err := c.flush(); err != nil {
			if err == ErrWouldBlock {
				return 0, os.ErrDeadlineExceeded
			}
			return 0, err
		}
	}
	return len(p), nil
}

// flush writes queued ciphertext until it is gone or the socket is full.
func (c *fdConn) flush() error {
	for len(c.out) > 0 {
		n, err := writeFd(c.fd, c.out)
		if n > 0 {
			c.out = c.out[n:]
		}
		if err != nil {
			return err
		}
	}
	c.out = c.out[:0]
	return nil
}

func (c *fdConn) Close() error { return nil }

func (c *fdConn) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return nil
	}
	return SockaddrToAddr(sa)
}

func (c *fdConn) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return nil
	}
	return SockaddrToAddr(sa)
}

// Deadlines are enforced by socket timeouts during the handshake and by
// the idle timer afterwards.
func (c *fdConn) SetDeadline(time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error { return nil }

// TLSChannel is an encrypted channel. It never uses sendfile: mapped
// regions are encrypted straight from the mapping and file regions are
// copied through a pooled scratch buffer.
type TLSChannel struct {
	raw    *fdConn
	tls    *tls.Conn
	sent   int64
	closed bool
}

// NewTLSChannel wraps fd as the server side of a TLS session.
// Handshake must succeed before Read or Write.
func NewTLSChannel(fd int, cfg *tls.Config) *TLSChannel {
	raw := &fdConn{fd: fd}
	return &TLSChannel{raw: raw, tls: tls.Server(raw, cfg)}
}

func (c *TLSChannel) Fd() int                { return c.raw.fd }
func (c *TLSChannel) Kind() Kind             { return KindTLS }
func (c *TLSChannel) SupportsSendfile() bool { return false }
func (c *TLSChannel) Sent() int64            { return c.sent }
func (c *TLSChannel) ResetSent()             { c.sent = 0 }

// ConnectionState exposes the negotiated session.
func (c *TLSChannel) ConnectionState() tls.ConnectionState {
	return c.tls.ConnectionState()
}

// Handshake runs the handshake with the descriptor switched to blocking
// mode, each socket operation bounded by timeout. The descriptor is
// non-blocking again on return.
func (c *TLSChannel) Handshake(timeout time.Duration) (err error) {
	fd := c.raw.fd
	if err := unix.SetNonblock(fd, false); err != nil {
		return err
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
	c.raw.blocking = true

	defer func() {
		c.raw.blocking = false
		var zero unix.Timeval
		unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &zero)
		unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &zero)
		if nbErr := unix.SetNonblock(fd, true); err == nil {
			err = nbErr
		}
	}()

	if err = c.tls.Handshake(); err != nil {
		return err
	}
	return c.raw.flush()
}

// Read implements Channel.
func (c *TLSChannel) Read(dst *buffer.Buffer) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	total := 0
	for {
		if err := dst.EnsureWritable(minRead); err != nil {
			return total, err
		}
		n, err := c.tls.Read(dst.WritableSlice())
		if n > 0 {
			dst.HasWritten(n)
			total += n
		}
		if err != nil {
			if _, ok := err.(tempError); ok {
				return total, ErrWouldBlock
			}
			return total, err
		}
	}
}

// Write implements Channel.
func (c *TLSChannel) Write(src *buffer.Buffer) (int, bool, error) {
	if c.closed {
		return 0, false, ErrClosed
	}
	total := 0
	for {
		// the kernel takes the backlog first
		if err := c.raw.flush(); err == ErrWouldBlock {
			if len(c.raw.out) >= highWater || src.Pending() == 0 {
				return total, false, nil
			}
		} else if err != nil {
			return total, false, err
		}

		if src.Pending() == 0 {
			if len(c.raw.out) == 0 {
				if src.Attachment() != nil {
					src.ReleaseAttachment()
				}
				return total, true, nil
			}
			continue
		}

		n, err := c.encrypt(src)
		total += n
		c.sent += int64(n)
		if err != nil {
			return total, false, err
		}
	}
}

// encrypt moves at most one chunk of plaintext from src into the
// ciphertext backlog.
func (c *TLSChannel) encrypt(src *buffer.Buffer) (int, error) {
	if src.Readable() > 0 {
		p := src.Peek()
		if len(p) > maxChunk {
			p = p[:maxChunk]
		}
		n, err := c.tls.Write(p)
		src.Retire(n)
		return n, err
	}

	switch a := src.Attachment().(type) {
	case *buffer.MappedRegion:
		p := a.Bytes()
		if len(p) > maxChunk {
			p = p[:maxChunk]
		}
		n, err := c.tls.Write(p)
		a.Advance(n)
		return n, err
	case *buffer.FileRegion:
		buf := scratch.Get()
		defer scratch.Put(buf)
		n, err := a.ReadAt(buf)
		if n == 0 {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		n, err = c.tls.Write(buf[:n])
		a.Advance(n)
		return n, err
	default:
		return 0, buffer.ErrNoAttachment
	}
}

// Close sends close_notify when the session was established and tries
// once to push it out.
func (c *TLSChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.tls.ConnectionState().HandshakeComplete {
		return nil
	}
	if err := c.tls.CloseWrite(); err != nil {
		log.Tracef("close_notify on fd %d: %v", c.raw.fd, err)
	}
	if err := c.raw.flush(); err != nil && err != ErrWouldBlock {
		return err
	}
	return nil
}
