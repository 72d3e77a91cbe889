package buffer

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrEmptyRegion is returned when a zero-length region is requested.
var ErrEmptyRegion = errors.New("buffer: empty region")

// Attachment is a zero-copy region transmitted after a buffer's own bytes.
// Both variants are released through Release, whichever is active.
type Attachment interface {
	// Remaining reports how many bytes are still unsent.
	Remaining() int64
	// Release frees the underlying mapping or descriptor. Safe to call twice.
	Release() error
}

// MappedRegion is a read-only memory mapping of a file range.
type MappedRegion struct {
	mapping []byte // as returned by mmap, needed for munmap
	data    []byte // requested range within mapping
	off     int
}

// MapFile maps length bytes of f starting at offset. The file may be
// closed once MapFile returns.
func MapFile(f *os.File, offset, length int64) (*MappedRegion, error) {
	if length <= 0 {
		return nil, ErrEmptyRegion
	}
	page := int64(os.Getpagesize())
	delta := offset % page
	mapping, err := unix.Mmap(int(f.Fd()), offset-delta, int(length+delta), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("buffer: mmap %s: %w", f.Name(), err)
	}
	return &MappedRegion{
		mapping: mapping,
		data:    mapping[delta : delta+length],
	}, nil
}

// MapPath maps the whole file at path.
func MapPath(path string) (*MappedRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return MapFile(f, 0, st.Size())
}

// Bytes returns the unsent part of the mapping.
func (m *MappedRegion) Bytes() []byte {
	if m.data == nil {
		return nil
	}
	return m.data[m.off:]
}

// Advance marks n more bytes as sent.
func (m *MappedRegion) Advance(n int) {
	m.off += n
	if m.off > len(m.data) {
		m.off = len(m.data)
	}
}

// Len returns the mapped length.
func (m *MappedRegion) Len() int { return len(m.data) }

func (m *MappedRegion) Remaining() int64 { return int64(len(m.data) - m.off) }

func (m *MappedRegion) Release() error {
	if m.mapping == nil {
		return nil
	}
	err := unix.Munmap(m.mapping)
	m.mapping, m.data = nil, nil
	return err
}

// FileRegion is a file range handed to the kernel with sendfile(2).
type FileRegion struct {
	file   *os.File
	offset int64
	end    int64
}

// NewFileRegion takes ownership of f and covers [offset, offset+length).
func NewFileRegion(f *os.File, offset, length int64) *FileRegion {
	return &FileRegion{file: f, offset: offset, end: offset + length}
}

// OpenFileRegion opens path and covers the whole file.
func OpenFileRegion(path string) (*FileRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		f.Close()
		return nil, ErrEmptyRegion
	}
	return NewFileRegion(f, 0, st.Size()), nil
}

// Fd returns the source descriptor, or -1 once released.
func (f *FileRegion) Fd() int {
	if f.file == nil {
		return -1
	}
	return int(f.file.Fd())
}

// Offset returns the position of the next unsent byte.
func (f *FileRegion) Offset() int64 { return f.offset }

// Advance marks n more bytes as sent.
func (f *FileRegion) Advance(n int) { f.offset += int64(n) }

// ReadAt copies unsent bytes into p without moving the offset.
func (f *FileRegion) ReadAt(p []byte) (int, error) {
	if f.file == nil {
		return 0, os.ErrClosed
	}
	if rem := f.Remaining(); int64(len(p)) > rem {
		p = p[:rem]
	}
	return f.file.ReadAt(p, f.offset)
}

func (f *FileRegion) Remaining() int64 {
	if f.offset >= f.end {
		return 0
	}
	return f.end - f.offset
}

func (f *FileRegion) Release() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
