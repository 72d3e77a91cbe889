package conn

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/evserver/core/buffer"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.SetNonblock(fds[0], true)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// drain reads from fd until want bytes arrived.
func drain(t *testing.T, fd int, want int) []byte {
	t.Helper()
	out := make([]byte, 0, want)
	buf := make([]byte, 64<<10)
	for len(out) < want {
		n, err := unix.Read(fd, buf)
		if err != nil {
			t.Errorf("read: %v", err)
			break
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return out
}

func tempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRawChannel_ReadDrainsUntilWouldBlock(t *testing.T) {
	a, b := socketpair(t)
	ch := NewRawChannel(a)
	dst := buffer.New(16)

	payload := bytes.Repeat([]byte("x"), 10000)
	unix.Write(b, payload)

	n, err := ch.Read(dst)
	if !IsTemporary(err) {
		t.Fatalf("Expected ErrWouldBlock, got %v", err)
	}
	if n != len(payload) || dst.Readable() != len(payload) {
		t.Errorf("Expected %d bytes read, got n=%d readable=%d", len(payload), n, dst.Readable())
	}

	unix.Close(b)
	if _, err := ch.Read(dst); err != io.EOF {
		t.Errorf("Expected io.EOF after peer close, got %v", err)
	}
}

func TestRawChannel_WriteWithAttachments(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	path := tempFile(t, data)

	cases := []struct {
		name string
		open func() (buffer.Attachment, error)
	}{
		{"mapped", func() (buffer.Attachment, error) { return buffer.MapPath(path) }},
		{"sendfile", func() (buffer.Attachment, error) { return buffer.OpenFileRegion(path) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := socketpair(t)
			ch := NewRawChannel(a)
			src := buffer.New(64)
			src.AppendString("HEADER\r\n")

			att, err := tc.open()
			if err != nil {
				t.Fatal(err)
			}
			src.Attach(att)

			want := append([]byte("HEADER\r\n"), data...)
			got := make(chan []byte, 1)
			go func() { got <- drain(t, b, len(want)) }()

			deadline := time.Now().Add(5 * time.Second)
			for {
				_, complete, err := ch.Write(src)
				if err != nil {
					t.Fatalf("Write: %v", err)
				}
				if complete {
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("Write never completed")
				}
				time.Sleep(time.Millisecond)
			}

			if !bytes.Equal(<-got, want) {
				t.Error("Expected received bytes to equal header plus file")
			}
			if ch.Sent() != int64(len(want)) {
				t.Errorf("Expected Sent()=%d, got %d", len(want), ch.Sent())
			}
			if src.Attachment() != nil {
				t.Error("Expected attachment released after completion")
			}
		})
	}
}

func TestRawChannel_ClosedIsFatal(t *testing.T) {
	a, _ := socketpair(t)
	ch := NewRawChannel(a)
	ch.Close()
	if _, err := ch.Read(buffer.New(16)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	a, _ := socketpair(t)
	c := New(NewRawChannel(a), buffer.New(16), buffer.New(16), nil)

	if !c.KeepAlive() {
		t.Error("Expected keep-alive by default")
	}
	if !c.Acquire() {
		t.Fatal("Expected Acquire to succeed on a live connection")
	}

	first, finalize := c.MarkDisconnected()
	if !first || finalize {
		t.Errorf("Expected first=true finalize=false while busy, got %v %v", first, finalize)
	}
	if first, _ := c.MarkDisconnected(); first {
		t.Error("Expected second MarkDisconnected to report first=false")
	}
	if c.Acquire() {
		t.Error("Expected Acquire to fail after disconnect")
	}
	if !c.Release() {
		t.Error("Expected last Release to request finalization")
	}
	if c.Release() {
		t.Error("Expected finalization to be requested once")
	}
}

func TestConnection_MarkDisconnectedIdle(t *testing.T) {
	a, _ := socketpair(t)
	c := New(NewRawChannel(a), buffer.New(16), buffer.New(16), nil)

	first, finalize := c.MarkDisconnected()
	if !first || !finalize {
		t.Errorf("Expected immediate finalization when idle, got %v %v", first, finalize)
	}
	if !c.Disconnected() {
		t.Error("Expected Disconnected() to be true")
	}
}

func TestTable_Generations(t *testing.T) {
	a, _ := socketpair(t)
	tbl := NewTable(4)

	c1 := New(NewRawChannel(a), buffer.New(16), buffer.New(16), nil)
	h1 := tbl.Insert(c1)
	if tbl.Lookup(h1) != c1 || tbl.Get(a) != c1 {
		t.Fatal("Expected lookup by handle and fd to find the connection")
	}
	if tbl.Len() != 1 {
		t.Errorf("Expected 1 live connection, got %d", tbl.Len())
	}

	if !tbl.Release(h1) {
		t.Fatal("Expected Release to succeed")
	}
	c2 := New(NewRawChannel(a), buffer.New(16), buffer.New(16), nil)
	h2 := tbl.Insert(c2)

	if h2.Gen == h1.Gen {
		t.Error("Expected a new generation after reuse")
	}
	if tbl.Lookup(h1) != nil {
		t.Error("Expected stale handle to resolve to nil")
	}
	if tbl.Release(h1) {
		t.Error("Expected stale Release to be a no-op")
	}
	if tbl.Lookup(h2) != c2 {
		t.Error("Expected current handle to resolve")
	}
}

func TestTable_Grows(t *testing.T) {
	tbl := NewTable(16)
	c := &Connection{fd: 1000}
	h := tbl.Insert(c)
	if tbl.Lookup(h) != c {
		t.Error("Expected table to grow for large descriptors")
	}
	if len(tbl.Snapshot()) != 1 {
		t.Errorf("Expected snapshot of 1, got %d", len(tbl.Snapshot()))
	}
}
