// Package session keeps server-side sessions that expire after a period of
// inactivity. Expiry is ordered by a timer.Heap keyed by session id and is
// driven from outside, usually by the reactor's tick hook.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/getlantern/golog"

	"github.com/searchktools/evserver/core/timer"
)

var log = golog.LoggerFor("evserver.session")

// DefaultTTL is how long an untouched session lives.
const DefaultTTL = 30 * time.Minute

const idBytes = 16

// NewID returns a random 128-bit identifier in hex.
func NewID() (string, error) {
	var b [idBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Session is one client's server-side state.
type Session struct {
	id      string
	created time.Time

	mu     sync.RWMutex
	values map[string]any
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Created() time.Time { return s.created }

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Delete removes key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

// Len returns the number of stored values.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Store holds live sessions.
type Store struct {
	ttl time.Duration
	now func() time.Time

	// OnExpire, when set, runs for each session Expire removes. It is
	// called without the store lock held.
	OnExpire func(*Session)

	mu       sync.Mutex
	sessions map[string]*Session
	expiry   *timer.Heap[string]
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the inactivity timeout.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		ttl:      DefaultTTL,
		now:      time.Now,
		sessions: make(map[string]*Session),
		expiry:   timer.NewHeap[string](),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TTL returns the inactivity timeout.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create starts a new session.
func (s *Store) Create() (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &Session{id: id, created: now, values: make(map[string]any)}

	s.mu.Lock()
	s.sessions[id] = sess
	s.expiry.Push(id, now.Add(s.ttl), nil)
	s.mu.Unlock()

	log.Tracef("Created session %s", id)
	return sess, nil
}

// Get returns the live session with id, or nil.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Touch extends the session's lifetime by the TTL from now. It reports
// whether the session exists.
func (s *Store) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry.Adjust(id, s.now().Add(s.ttl))
}

// Delete ends the session with id.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	s.expiry.Erase(id)
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Expire removes every session whose deadline is not after now and
// returns how many were removed.
func (s *Store) Expire(now time.Time) int {
	var expired []*Session

	s.mu.Lock()
	for {
		top, err := s.expiry.Top()
		if err != nil || top.Deadline.After(now) {
			break
		}
		s.expiry.Pop()
		if sess, ok := s.sessions[top.Key]; ok {
			delete(s.sessions, top.Key)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		log.Debugf("Expired %d sessions", len(expired))
	}
	if s.OnExpire != nil {
		for _, sess := range expired {
			s.OnExpire(sess)
		}
	}
	return len(expired)
}
