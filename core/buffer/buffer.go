package buffer

import (
	"errors"
	"io"
)

// Buffer sizes
const (
	DefaultSize    = 4096     // initial capacity of a connection buffer
	DefaultMaxSize = 64 << 20 // hard growth ceiling per buffer
)

// Error definitions
var (
	ErrBufferFull       = errors.New("buffer: exceeds maximum size")
	ErrAttachmentActive = errors.New("buffer: attachment already present")
	ErrNoAttachment     = errors.New("buffer: no attachment")
)

// Buffer is a growable byte region with read/write cursors.
//
// The invariant readIndex <= writeIndex <= cap(data) always holds. Unread
// bytes are shifted back to offset 0 only when an append does not fit in the
// trailing free space. An optional Attachment is logically appended after
// the in-buffer bytes and is drained only once they are exhausted.
type Buffer struct {
	data []byte
	r, w int
	max  int

	att         Attachment
	compactions int
}

// New creates a buffer with the given initial capacity.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		data: make([]byte, size),
		max:  DefaultMaxSize,
	}
}

// NewWithBacking wraps a caller-provided backing array (typically from a
// pool). max <= 0 selects DefaultMaxSize.
func NewWithBacking(backing []byte, max int) *Buffer {
	if max <= 0 {
		max = DefaultMaxSize
	}
	if len(backing) == 0 {
		backing = make([]byte, DefaultSize)
	}
	return &Buffer{
		data: backing[:cap(backing)],
		max:  max,
	}
}

// SetMaxSize changes the growth ceiling.
func (b *Buffer) SetMaxSize(max int) {
	if max > 0 {
		b.max = max
	}
}

// Readable returns the number of unread in-buffer bytes.
func (b *Buffer) Readable() int { return b.w - b.r }

// Writable returns the free space after the write cursor.
func (b *Buffer) Writable() int { return len(b.data) - b.w }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Compactions reports how many times unread bytes were shifted to offset 0.
func (b *Buffer) Compactions() int { return b.compactions }

// Backing returns the underlying array so it can be returned to a pool.
func (b *Buffer) Backing() []byte { return b.data }

// Peek returns the unread in-buffer bytes without consuming them.
// The slice is valid until the next append.
func (b *Buffer) Peek() []byte { return b.data[b.r:b.w] }

// Retire consumes n bytes. Retiring everything resets both cursors.
func (b *Buffer) Retire(n int) {
	if n < b.Readable() {
		b.r += n
		return
	}
	b.RetireAll()
}

// RetireAll discards every unread in-buffer byte.
func (b *Buffer) RetireAll() {
	b.r = 0
	b.w = 0
}

// Next returns the next n unread bytes and consumes them.
func (b *Buffer) Next(n int) []byte {
	if n > b.Readable() {
		n = b.Readable()
	}
	p := b.data[b.r : b.r+n]
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
	return p
}

// Append copies p after the write cursor.
func (b *Buffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := b.EnsureWritable(len(p)); err != nil {
		return err
	}
	b.w += copy(b.data[b.w:], p)
	return nil
}

// AppendString copies s after the write cursor.
func (b *Buffer) AppendString(s string) error {
	if len(s) == 0 {
		return nil
	}
	if err := b.EnsureWritable(len(s)); err != nil {
		return err
	}
	b.w += copy(b.data[b.w:], s)
	return nil
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read implements io.Reader over the in-buffer bytes only.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.Readable() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.Peek())
	b.Retire(n)
	return n, nil
}

// WritableSlice exposes the free tail for direct reads (e.g. read(2)).
// Follow with HasWritten.
func (b *Buffer) WritableSlice() []byte { return b.data[b.w:] }

// HasWritten advances the write cursor after a direct write into
// WritableSlice.
func (b *Buffer) HasWritten(n int) {
	if n <= 0 {
		return
	}
	if b.w+n > len(b.data) {
		n = len(b.data) - b.w
	}
	b.w += n
}

// EnsureWritable makes room for n more bytes, compacting first and growing
// only when compaction alone cannot help.
func (b *Buffer) EnsureWritable(n int) error {
	if b.Writable() >= n {
		return nil
	}
	readable := b.Readable()
	if readable+n > b.max {
		return ErrBufferFull
	}
	if readable+n <= len(b.data) {
		copy(b.data, b.data[b.r:b.w])
		b.r, b.w = 0, readable
		b.compactions++
		return nil
	}

	size := len(b.data) * 2
	if size == 0 {
		size = DefaultSize
	}
	for size < readable+n {
		size *= 2
	}
	if size > b.max {
		size = b.max
	}
	grown := make([]byte, size)
	copy(grown, b.data[b.r:b.w])
	if b.r > 0 {
		b.compactions++
	}
	b.data = grown
	b.r, b.w = 0, readable
	return nil
}

// Attach sets the zero-copy region that follows the in-buffer bytes.
// Only one attachment may be live at a time.
func (b *Buffer) Attach(a Attachment) error {
	if b.att != nil {
		return ErrAttachmentActive
	}
	b.att = a
	return nil
}

// Attachment returns the live attachment, or nil.
func (b *Buffer) Attachment() Attachment { return b.att }

// Pending returns in-buffer bytes plus unsent attachment bytes.
func (b *Buffer) Pending() int64 {
	n := int64(b.Readable())
	if b.att != nil {
		n += b.att.Remaining()
	}
	return n
}

// ReleaseAttachment releases and detaches the attachment.
func (b *Buffer) ReleaseAttachment() error {
	if b.att == nil {
		return ErrNoAttachment
	}
	err := b.att.Release()
	b.att = nil
	return err
}

// Reset discards every byte and releases the attachment, if any.
func (b *Buffer) Reset() {
	b.RetireAll()
	if b.att != nil {
		b.att.Release()
		b.att = nil
	}
}
