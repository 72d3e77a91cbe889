package conn

import "sync"

// Handle names a connection by descriptor and generation so that a stale
// reference cannot reach a later connection on a reused descriptor.
type Handle struct {
	FD  int
	Gen uint64
}

type slot struct {
	conn *Connection
	gen  uint64
}

// Table is an arena of connections indexed by descriptor.
type Table struct {
	mu     sync.RWMutex
	slots  []slot
	active int
}

// NewTable creates a table with room for descriptors below capacity;
// it grows on demand.
func NewTable(capacity int) *Table {
	if capacity < 16 {
		capacity = 16
	}
	return &Table{slots: make([]slot, capacity)}
}

// Insert stores c under its descriptor and stamps its handle.
func (t *Table) Insert(c *Connection) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := c.fd
	if fd >= len(t.slots) {
		size := len(t.slots) * 2
		for size <= fd {
			size *= 2
		}
		grown := make([]slot, size)
		copy(grown, t.slots)
		t.slots = grown
	}
	s := &t.slots[fd]
	if s.conn == nil {
		t.active++
	}
	s.gen++
	s.conn = c
	c.handle = Handle{FD: fd, Gen: s.gen}
	return c.handle
}

// Get returns the live connection on fd, or nil.
func (t *Table) Get(fd int) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fd < 0 || fd >= len(t.slots) {
		return nil
	}
	return t.slots[fd].conn
}

// Lookup resolves h, or returns nil if the slot moved on.
func (t *Table) Lookup(h Handle) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h.FD < 0 || h.FD >= len(t.slots) {
		return nil
	}
	s := t.slots[h.FD]
	if s.gen != h.Gen {
		return nil
	}
	return s.conn
}

// Release empties the slot named by h. A stale handle is a no-op.
func (t *Table) Release(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.FD < 0 || h.FD >= len(t.slots) {
		return false
	}
	s := &t.slots[h.FD]
	if s.gen != h.Gen || s.conn == nil {
		return false
	}
	s.conn = nil
	t.active--
	return true
}

// Len returns the number of live connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Snapshot returns the live connections.
func (t *Table) Snapshot() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Connection, 0, t.active)
	for i := range t.slots {
		if c := t.slots[i].conn; c != nil {
			out = append(out, c)
		}
	}
	return out
}
