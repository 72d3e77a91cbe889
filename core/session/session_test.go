package session

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(ttl time.Duration) (*Store, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewStore(WithTTL(ttl), WithClock(clk.Now)), clk
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		if len(id) != 2*idBytes {
			t.Fatalf("Expected %d hex chars, got %q", 2*idBytes, id)
		}
		if seen[id] {
			t.Fatalf("Duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestStore_CreateGetDelete(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	sess, err := s.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess.Set("user", "alice")

	got := s.Get(sess.ID())
	if got != sess {
		t.Fatal("Expected Get to return the created session")
	}
	if v, ok := got.Get("user"); !ok || v != "alice" {
		t.Errorf("Expected user=alice, got %v (%v)", v, ok)
	}

	if !s.Delete(sess.ID()) {
		t.Error("Expected Delete to report the session")
	}
	if s.Delete(sess.ID()) {
		t.Error("Expected second Delete to report nothing")
	}
	if s.Get(sess.ID()) != nil || s.Len() != 0 {
		t.Error("Expected store to be empty")
	}
}

func TestStore_Expire(t *testing.T) {
	s, clk := newTestStore(time.Minute)

	var expired []string
	s.OnExpire = func(sess *Session) { expired = append(expired, sess.ID()) }

	a, _ := s.Create()
	clk.Advance(30 * time.Second)
	b, _ := s.Create()

	if n := s.Expire(clk.Now()); n != 0 {
		t.Errorf("Expected nothing expired yet, got %d", n)
	}

	clk.Advance(30 * time.Second)
	if n := s.Expire(clk.Now()); n != 1 {
		t.Fatalf("Expected 1 expired, got %d", n)
	}
	if len(expired) != 1 || expired[0] != a.ID() {
		t.Errorf("Expected %s expired first, got %v", a.ID(), expired)
	}
	if s.Get(b.ID()) == nil {
		t.Error("Expected the younger session to survive")
	}

	clk.Advance(time.Hour)
	if n := s.Expire(clk.Now()); n != 1 || s.Len() != 0 {
		t.Errorf("Expected the rest to expire, got %d (len %d)", n, s.Len())
	}
}

func TestStore_TouchExtends(t *testing.T) {
	s, clk := newTestStore(time.Minute)
	sess, _ := s.Create()

	clk.Advance(50 * time.Second)
	if !s.Touch(sess.ID()) {
		t.Fatal("Expected Touch to find the session")
	}
	clk.Advance(50 * time.Second)
	if n := s.Expire(clk.Now()); n != 0 {
		t.Errorf("Expected touched session to live on, %d expired", n)
	}
	clk.Advance(11 * time.Second)
	if n := s.Expire(clk.Now()); n != 1 {
		t.Errorf("Expected expiry one TTL after the touch, got %d", n)
	}
	if s.Touch(sess.ID()) {
		t.Error("Expected Touch on an expired session to fail")
	}
}

func TestStore_DeleteRemovesTimer(t *testing.T) {
	s, clk := newTestStore(time.Minute)
	sess, _ := s.Create()
	s.Delete(sess.ID())

	clk.Advance(2 * time.Minute)
	if n := s.Expire(clk.Now()); n != 0 {
		t.Errorf("Expected no expiry for a deleted session, got %d", n)
	}
}

func TestStore_Concurrent(t *testing.T) {
	s, clk := newTestStore(time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sess, err := s.Create()
				if err != nil {
					t.Errorf("Create: %v", err)
					return
				}
				sess.Set("n", i)
				s.Touch(sess.ID())
				if i%2 == 0 {
					s.Delete(sess.ID())
				}
			}
		}()
	}
	wg.Wait()

	if s.Len() != 8*100 {
		t.Errorf("Expected %d live sessions, got %d", 8*100, s.Len())
	}
	clk.Advance(2 * time.Minute)
	if n := s.Expire(clk.Now()); n != 800 {
		t.Errorf("Expected 800 expired, got %d", n)
	}
}
