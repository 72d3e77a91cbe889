package conn

import (
	"errors"
	"io"

	"github.com/getlantern/golog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/evserver/core/buffer"
)

var log = golog.LoggerFor("evserver.conn")

var (
	// ErrWouldBlock means the descriptor has no more data (or room) right
	// now; the caller re-arms and retries later.
	ErrWouldBlock = errors.New("conn: operation would block")
	// ErrClosed is returned by I/O on a channel that was already closed.
	ErrClosed = errors.New("conn: channel closed")
)

// IsTemporary reports whether err only means "try again later".
func IsTemporary(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// minRead is the free space guaranteed before each read(2).
const minRead = 2048

// maxChunk bounds a single write of an attachment.
const maxChunk = 1 << 20

// Kind identifies the transport of a channel.
type Kind uint8

const (
	KindRaw Kind = iota
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Channel moves bytes between a socket and connection buffers.
//
// Read drains the socket into dst until it would block; it returns the
// byte count together with ErrWouldBlock, io.EOF on orderly peer close, or
// a fatal error.
//
// Write flushes src, then its attachment. complete is true only when every
// byte, including any transport backlog, has been handed to the kernel.
// A would-block condition is reported as complete=false with a nil error.
type Channel interface {
	Fd() int
	Kind() Kind
	Read(dst *buffer.Buffer) (int, error)
	Write(src *buffer.Buffer) (n int, complete bool, err error)
	SupportsSendfile() bool
	// Sent counts payload bytes written since the last ResetSent.
	Sent() int64
	ResetSent()
	// Close releases transport state. It does not close the descriptor.
	Close() error
}

// classify maps a syscall error to the package taxonomy.
func classify(err error) error {
	switch err {
	case nil:
		return nil
	case unix.EAGAIN:
		return ErrWouldBlock
	case unix.ECONNRESET, unix.EPIPE:
		return io.EOF
	}
	return err
}

// readInto performs one read(2) into the free tail of dst.
func readInto(fd int, dst *buffer.Buffer) (int, error) {
	if err := dst.EnsureWritable(minRead); err != nil {
		return 0, err
	}
	for {
		n, err := unix.Read(fd, dst.WritableSlice())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, classify(err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		dst.HasWritten(n)
		return n, nil
	}
}

// writeFd performs one write(2); EINTR is retried.
func writeFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, classify(err)
	}
}
