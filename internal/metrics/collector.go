// Package metrics implements the engine's metrics collection and exposition:
// hot-path atomic counters plus a prometheus.Collector that exposes them
// (SPEC_FULL.md "metrics"). Grounded on the teacher's internal/metrics.Collector
// atomic-counter shape (lock-free Add/Load, swap-on-read histograms),
// narrowed from request/platform/probe/lease counters to the Byte-Pump's
// own counters: active/total connections, bytes per direction, and dial
// latency.
package metrics

import (
	"sync/atomic"
	"time"
)

const (
	defaultDialBucketMs   = 25
	defaultDialOverflowMs = 2000
)

// Collector holds hot-path atomic counters. cmd/tunnelproxy's inbound server
// feeds the connection and byte counters around each Facade.Begin call; no
// code outside tests calls RecordDial, so the dial counters stay at zero in
// the running binary. All fields are updated with atomic operations so the
// forward path never blocks on a metrics write.
type Collector struct {
	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64
	bytesClientServer atomic.Int64
	bytesServerClient atomic.Int64
	dialFailures      atomic.Int64

	dialBuckets []atomic.Int64
	dialBinMs   int
	dialOverMs  int
}

// NewCollector constructs a Collector with the given dial-latency
// histogram parameters; 0 selects the default bucket width/overflow.
func NewCollector(dialBinMs, dialOverflowMs int) *Collector {
	if dialBinMs <= 0 {
		dialBinMs = defaultDialBucketMs
	}
	if dialOverflowMs <= 0 {
		dialOverflowMs = defaultDialOverflowMs
	}
	regularBuckets := (dialOverflowMs + dialBinMs - 1) / dialBinMs
	if regularBuckets <= 0 {
		regularBuckets = 1
	}
	return &Collector{
		dialBuckets: make([]atomic.Int64, regularBuckets+1), // +1 overflow bucket
		dialBinMs:   dialBinMs,
		dialOverMs:  dialOverflowMs,
	}
}

// ConnectionOpened records a Forward Connection beginning.
func (c *Collector) ConnectionOpened() {
	c.connectionsOpened.Add(1)
}

// ConnectionClosed records a Forward Connection ending, successfully or not.
func (c *Collector) ConnectionClosed() {
	c.connectionsClosed.Add(1)
}

// RecordBytes adds to the cumulative byte counters for one direction of a
// completed or in-progress duplex copy.
func (c *Collector) RecordBytes(clientToServer, serverToClient int64) {
	c.bytesClientServer.Add(clientToServer)
	c.bytesServerClient.Add(serverToClient)
}

// RecordDial records a completed Upstream-Dialer attempt's wall-clock
// duration and whether it failed.
func (c *Collector) RecordDial(d time.Duration, failed bool) {
	if failed {
		c.dialFailures.Add(1)
	}
	ms := d.Milliseconds()
	overflowIdx := len(c.dialBuckets) - 1
	if overflowIdx < 0 {
		return
	}
	if ms >= int64(c.dialOverMs) {
		c.dialBuckets[overflowIdx].Add(1)
		return
	}
	idx := 0
	if ms >= 0 {
		idx = int(ms / int64(c.dialBinMs))
	}
	if idx >= overflowIdx {
		idx = overflowIdx - 1
	}
	if idx < 0 {
		idx = 0
	}
	c.dialBuckets[idx].Add(1)
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	ConnectionsOpened int64
	ConnectionsClosed int64
	BytesClientServer int64
	BytesServerClient int64
	DialFailures      int64
	DialBuckets       []int64
	DialBucketWidthMs int
	DialOverflowMs    int
}

// Snapshot reads every counter without resetting them.
func (c *Collector) Snapshot() Snapshot {
	buckets := make([]int64, len(c.dialBuckets))
	for i := range c.dialBuckets {
		buckets[i] = c.dialBuckets[i].Load()
	}
	return Snapshot{
		ConnectionsOpened: c.connectionsOpened.Load(),
		ConnectionsClosed: c.connectionsClosed.Load(),
		BytesClientServer: c.bytesClientServer.Load(),
		BytesServerClient: c.bytesServerClient.Load(),
		DialFailures:      c.dialFailures.Load(),
		DialBuckets:       buckets,
		DialBucketWidthMs: c.dialBinMs,
		DialOverflowMs:    c.dialOverMs,
	}
}
