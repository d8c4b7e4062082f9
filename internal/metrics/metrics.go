// Package metrics provides lightweight, lock-free counters and gauges
// for tracking the runtime state of a tunnel.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one tunnel.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	pendingActive  atomic.Int64
	acceptedTotal  atomic.Int64
	pendingExpired atomic.Int64
	channelsFailed atomic.Int64
	pairsActive    atomic.Int64
	pairsTotal     atomic.Int64
	bytesToRemote  atomic.Int64
	bytesToLocal   atomic.Int64
	keepAlives     atomic.Int64
	errorsTotal    atomic.Int64

	mu            sync.RWMutex
	startTime     time.Time
	lastKeepAlive time.Time
	lastError     time.Time
	lastErrorMsg  string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Pending connections ──────────────────────────────────────────────

// Accepted records a local connection entering the pending set.
func (c *Collector) Accepted() {
	if c == nil {
		return
	}
	c.pendingActive.Add(1)
	c.acceptedTotal.Add(1)
}

// PendingResolved records a pending connection leaving the pending
// set, whatever the outcome.
func (c *Collector) PendingResolved() {
	if c == nil {
		return
	}
	c.pendingActive.Add(-1)
}

// PendingExpired records a pending connection dropped on timeout.
func (c *Collector) PendingExpired() {
	if c == nil {
		return
	}
	c.pendingExpired.Add(1)
}

// ChannelFailed records a refused or failed channel open.
func (c *Collector) ChannelFailed() {
	if c == nil {
		return
	}
	c.channelsFailed.Add(1)
}

// PendingConnections returns the number of connections awaiting a channel.
func (c *Collector) PendingConnections() int64 {
	if c == nil {
		return 0
	}
	return c.pendingActive.Load()
}

// ExpiredConnections returns how many pending connections timed out.
func (c *Collector) ExpiredConnections() int64 {
	if c == nil {
		return 0
	}
	return c.pendingExpired.Load()
}

// ── Forward pairs ────────────────────────────────────────────────────

// PairOpened increments both the active and total pair counters.
func (c *Collector) PairOpened() {
	if c == nil {
		return
	}
	c.pairsActive.Add(1)
	c.pairsTotal.Add(1)
}

// PairClosed decrements the active pair counter.
func (c *Collector) PairClosed() {
	if c == nil {
		return
	}
	c.pairsActive.Add(-1)
}

// ActivePairs returns the current number of forwarded connections.
func (c *Collector) ActivePairs() int64 {
	if c == nil {
		return 0
	}
	return c.pairsActive.Load()
}

// TotalPairs returns the lifetime forwarded connection count.
func (c *Collector) TotalPairs() int64 {
	if c == nil {
		return 0
	}
	return c.pairsTotal.Load()
}

// ── I/O ──────────────────────────────────────────────────────────────

// ForwardedToRemote records n bytes written into an SSH channel.
func (c *Collector) ForwardedToRemote(n int64) {
	if c == nil {
		return
	}
	c.bytesToRemote.Add(n)
}

// ForwardedToLocal records n bytes written to a local client.
func (c *Collector) ForwardedToLocal(n int64) {
	if c == nil {
		return
	}
	c.bytesToLocal.Add(n)
}

// BytesToRemote returns total bytes sent over the tunnel.
func (c *Collector) BytesToRemote() int64 {
	if c == nil {
		return 0
	}
	return c.bytesToRemote.Load()
}

// BytesToLocal returns total bytes delivered to local clients.
func (c *Collector) BytesToLocal() int64 {
	if c == nil {
		return 0
	}
	return c.bytesToLocal.Load()
}

// ── Keep-alive ───────────────────────────────────────────────────────

// KeepAliveSent records a keep-alive request on the SSH session.
func (c *Collector) KeepAliveSent() {
	if c == nil {
		return
	}
	c.keepAlives.Add(1)
	c.mu.Lock()
	c.lastKeepAlive = time.Now()
	c.mu.Unlock()
}

// KeepAlives returns the number of keep-alives sent.
func (c *Collector) KeepAlives() int64 {
	if c == nil {
		return 0
	}
	return c.keepAlives.Load()
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	PendingActive    int64  `json:"pending_active"`
	AcceptedTotal    int64  `json:"accepted_total"`
	PendingExpired   int64  `json:"pending_expired"`
	ChannelsFailed   int64  `json:"channels_failed"`
	PairsActive      int64  `json:"pairs_active"`
	PairsTotal       int64  `json:"pairs_total"`
	BytesToRemote    int64  `json:"bytes_to_remote"`
	BytesToLocal     int64  `json:"bytes_to_local"`
	KeepAlives       int64  `json:"keepalives"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastKeepAlive    string `json:"last_keepalive,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		PendingActive:  c.pendingActive.Load(),
		AcceptedTotal:  c.acceptedTotal.Load(),
		PendingExpired: c.pendingExpired.Load(),
		ChannelsFailed: c.channelsFailed.Load(),
		PairsActive:    c.pairsActive.Load(),
		PairsTotal:     c.pairsTotal.Load(),
		BytesToRemote:  c.bytesToRemote.Load(),
		BytesToLocal:   c.bytesToLocal.Load(),
		KeepAlives:     c.keepAlives.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
	}
	if !c.lastKeepAlive.IsZero() {
		s.LastKeepAlive = c.lastKeepAlive.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
