package conn

import (
	"io"

	"github.com/searchktools/evserver/core/buffer"
	"golang.org/x/sys/unix"
)

// RawChannel is a plaintext TCP channel. File attachments go out through
// sendfile(2), mapped ones through write(2) straight from the mapping.
type RawChannel struct {
	fd     int
	sent   int64
	closed bool
}

// NewRawChannel wraps a non-blocking socket.
func NewRawChannel(fd int) *RawChannel {
	return &RawChannel{fd: fd}
}

func (c *RawChannel) Fd() int                { return c.fd }
func (c *RawChannel) Kind() Kind             { return KindRaw }
func (c *RawChannel) SupportsSendfile() bool { return true }
func (c *RawChannel) Sent() int64            { return c.sent }
func (c *RawChannel) ResetSent()             { c.sent = 0 }

// Read implements Channel.
func (c *RawChannel) Read(dst *buffer.Buffer) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	total := 0
	for {
		n, err := readInto(c.fd, dst)
		total += n
		if err != nil {
			return total, err
		}
	}
}

// Write implements Channel.
func (c *RawChannel) Write(src *buffer.Buffer) (int, bool, error) {
	if c.closed {
		return 0, false, ErrClosed
	}
	total := 0
	for src.Readable() > 0 {
		n, err := writeFd(c.fd, src.Peek())
		if n > 0 {
			src.Retire(n)
			c.sent += int64(n)
			total += n
		}
		if err == ErrWouldBlock {
			return total, false, nil
		}
		if err != nil {
			return total, false, err
		}
	}

	att := src.Attachment()
	if att == nil {
		return total, true, nil
	}
	for att.Remaining() > 0 {
		var n int
		var err error
		switch a := att.(type) {
		case *buffer.FileRegion:
			n, err = sendfile(c.fd, a)
		case *buffer.MappedRegion:
			p := a.Bytes()
			if len(p) > maxChunk {
				p = p[:maxChunk]
			}
			n, err = writeFd(c.fd, p)
			a.Advance(n)
		default:
			return total, false, buffer.ErrNoAttachment
		}
		if n > 0 {
			c.sent += int64(n)
			total += n
		}
		if err == ErrWouldBlock {
			return total, false, nil
		}
		if err != nil {
			return total, false, err
		}
		if n == 0 {
			// source shrank underneath us
			return total, false, io.ErrUnexpectedEOF
		}
	}
	src.ReleaseAttachment()
	return total, true, nil
}

// sendfile hands the next chunk of r to the kernel. The offset is passed
// by copy because not every platform advances it.
func sendfile(fd int, r *buffer.FileRegion) (int, error) {
	count := r.Remaining()
	if count > maxChunk {
		count = maxChunk
	}
	for {
		off := r.Offset()
		n, err := unix.Sendfile(fd, r.Fd(), &off, int(count))
		if n > 0 {
			r.Advance(n)
		}
		if err == unix.EINTR || (n > 0 && err == unix.EAGAIN) {
			// partial progress is reported with EAGAIN on darwin
			if n > 0 {
				return n, nil
			}
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, classify(err)
	}
}

// Close implements Channel.
func (c *RawChannel) Close() error {
	c.closed = true
	return nil
}
