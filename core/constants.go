package core

import (
	"errors"
	"time"
)

// Reactor defaults
const (
	DefaultIdleTimeout    = 2000 * time.Millisecond
	DefaultMaxConnections = 100000
	MinTickInterval       = 10 * time.Millisecond

	// DefaultRecvBufferMax bounds one request: headers plus body.
	DefaultRecvBufferMax = 16 << 20
	// DefaultSendBufferMax bounds in-memory response bytes; large bodies
	// travel as attachments.
	DefaultSendBufferMax = 64 << 20

	maxEvents = 1024
)

// Error definitions
var (
	ErrReactorClosed = errors.New("reactor closed")
	ErrNoHandler     = errors.New("reactor: nil handler")
	ErrTaskRejected  = errors.New("reactor: task pool rejected submission")
)

// ClampIdleTimeout maps non-positive timeouts to the default.
func ClampIdleTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultIdleTimeout
	}
	return d
}

// TickIntervalFor returns half the idle timeout, at least MinTickInterval.
func TickIntervalFor(idle time.Duration) time.Duration {
	tick := ClampIdleTimeout(idle) / 2
	if tick < MinTickInterval {
		tick = MinTickInterval
	}
	return tick
}
