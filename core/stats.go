package core

import (
	"fmt"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/evserver/core/pools"
)

type counters struct {
	accepted          atomic.Uint64
	rejected          atomic.Uint64
	closed            atomic.Uint64
	idleEvicted       atomic.Uint64
	handshakeFailures atomic.Uint64
	responses         atomic.Uint64
	panics            atomic.Uint64
	bytesRead         atomic.Uint64
	bytesWritten      atomic.Uint64
}

// Stats is a point-in-time snapshot of reactor counters.
type Stats struct {
	Accepted          uint64 `json:"accepted"`
	Rejected          uint64 `json:"rejected"`
	Active            int    `json:"active"`
	Closed            uint64 `json:"closed"`
	IdleEvicted       uint64 `json:"idle_evicted"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	Responses         uint64 `json:"responses"`
	Panics            uint64 `json:"panics"`
	BytesRead         uint64 `json:"bytes_read"`
	BytesWritten      uint64 `json:"bytes_written"`
	PendingTimers     int    `json:"pending_timers"`

	Tasks pools.TaskPoolStats `json:"tasks"`
	Bytes pools.BytePoolStats `json:"byte_pool"`
}

// Stats returns the current counters.
func (r *Reactor) Stats() Stats {
	return Stats{
		Accepted:          r.stats.accepted.Load(),
		Rejected:          r.stats.rejected.Load(),
		Active:            r.table.Len(),
		Closed:            r.stats.closed.Load(),
		IdleEvicted:       r.stats.idleEvicted.Load(),
		HandshakeFailures: r.stats.handshakeFailures.Load(),
		Responses:         r.stats.responses.Load(),
		Panics:            r.stats.panics.Load(),
		BytesRead:         r.stats.bytesRead.Load(),
		BytesWritten:      r.stats.bytesWritten.Load(),
		PendingTimers:     r.timers.Len(),
		Tasks:             r.pool.Stats(),
		Bytes:             r.bytes.Stats(),
	}
}

// StatsProto encodes the snapshot as a protobuf Struct.
func (r *Reactor) StatsProto() (*structpb.Struct, error) {
	s := r.Stats()
	return structpb.NewStruct(map[string]any{
		"accepted":           float64(s.Accepted),
		"rejected":           float64(s.Rejected),
		"active":             float64(s.Active),
		"closed":             float64(s.Closed),
		"idle_evicted":       float64(s.IdleEvicted),
		"handshake_failures": float64(s.HandshakeFailures),
		"responses":          float64(s.Responses),
		"panics":             float64(s.Panics),
		"bytes_read":         float64(s.BytesRead),
		"bytes_written":      float64(s.BytesWritten),
		"pending_timers":     float64(s.PendingTimers),
		"tasks": map[string]any{
			"workers":   float64(s.Tasks.NumWorkers),
			"submitted": float64(s.Tasks.TasksSubmitted),
			"completed": float64(s.Tasks.TasksCompleted),
			"pending":   float64(s.Tasks.TasksPending),
			"panicked":  float64(s.Tasks.TasksPanicked),
		},
		"byte_pool": map[string]any{
			"gets":      float64(s.Bytes.TotalGets),
			"puts":      float64(s.Bytes.TotalPuts),
			"oversized": float64(s.Bytes.Oversized),
		},
	})
}

// StatsJSON returns the snapshot as indented JSON.
func (r *Reactor) StatsJSON() string {
	pb, err := r.StatsProto()
	if err != nil {
		return "{}"
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(pb)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// StatsText returns the snapshot as human-readable text
func (r *Reactor) StatsText() string {
	s := r.Stats()
	return fmt.Sprintf(`Reactor Statistics
==================

Connections:
  Accepted:    %d
  Rejected:    %d
  Active:      %d
  Closed:      %d
  Idle:        %d
  TLS failed:  %d

Traffic:
  Responses:   %d
  Bytes in:    %d
  Bytes out:   %d
  Panics:      %d

Task Pool:
  Workers:     %d
  Submitted:   %d
  Completed:   %d
  Pending:     %d

Byte Pool:
  Gets:        %d
  Puts:        %d
  Oversized:   %d
`,
		s.Accepted, s.Rejected, s.Active, s.Closed, s.IdleEvicted, s.HandshakeFailures,
		s.Responses, s.BytesRead, s.BytesWritten, s.Panics,
		s.Tasks.NumWorkers, s.Tasks.TasksSubmitted, s.Tasks.TasksCompleted, s.Tasks.TasksPending,
		s.Bytes.TotalGets, s.Bytes.TotalPuts, s.Bytes.Oversized,
	)
}
