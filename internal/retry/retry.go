// Package retry implements the Proxy-Retry Throttler (spec §4.5):
// rate-limiting retry of PAC-script evaluation errors and hard-failed
// proxy endpoints on a fixed backoff schedule.
//
// The per-key map is grounded on internal/topology/pool.go's xsync.Map +
// Compute "load or create" idiom, generalized from node-hash keys to
// arbitrary retry-target keys (PAC URL, proxy endpoint string). Arming is a
// plain time.AfterFunc one-shot timer, matching the spec's own description
// ("arm a one-shot timer") rather than a polling sweep.
package retry

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Schedule is the fixed backoff named in spec §4.5: "{8s, 32s, 120s, 14400s}".
var Schedule = [4]time.Duration{
	8 * time.Second,
	32 * time.Second,
	120 * time.Second,
	14400 * time.Second,
}

// Throttler rate-limits retries of one PAC evaluation or proxy endpoint.
type Throttler struct {
	mu                  sync.Mutex
	consecutiveFailures int
	scheduled           bool
	nextRetryTime       time.Time
	timer               *time.Timer
}

// NewThrottler constructs an idle (unscheduled) Throttler.
func NewThrottler() *Throttler {
	return &Throttler{}
}

// OnRuntimeFailure arms a retry if none is currently scheduled (spec: "if
// no retry is currently scheduled, arm a one-shot timer ... idempotent
// within a single load cycle; subsequent failures during the same cycle
// do not re-arm"). fire is invoked on the throttler's own goroutine when
// the timer elapses; the owner is expected to request a fresh evaluation.
func (t *Throttler) OnRuntimeFailure(fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scheduled {
		return
	}

	idx := t.consecutiveFailures
	if idx > 3 {
		idx = 3
	}
	d := Schedule[idx]
	t.consecutiveFailures++
	t.scheduled = true
	t.nextRetryTime = time.Now().Add(d)

	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		t.scheduled = false
		t.mu.Unlock()
		if fire != nil {
			fire()
		}
	})
}

// Reset is called on observed success: clears consecutive-failures and
// cancels any pending retry (spec: "reset() is called on observed success").
func (t *Throttler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.consecutiveFailures = 0
	t.scheduled = false
	t.nextRetryTime = time.Time{}
}

// Scheduled reports whether a retry is currently armed.
func (t *Throttler) Scheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduled
}

// NextRetryTime returns the instant the armed retry will fire, or the zero
// Time if none is scheduled.
func (t *Throttler) NextRetryTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextRetryTime
}

// ConsecutiveFailures returns the current failure count used to index the
// backoff schedule.
func (t *Throttler) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveFailures
}

// Manager owns one Throttler per retry-target key (a PAC URL or a proxy
// endpoint string), created lazily on first use.
type Manager struct {
	throttles *xsync.Map[string, *Throttler]
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{throttles: xsync.NewMap[string, *Throttler]()}
}

// Get returns the Throttler for key, creating one if this is the first
// call for that key.
func (m *Manager) Get(key string) *Throttler {
	t, _ := m.throttles.LoadOrCompute(key, func() (*Throttler, bool) {
		return NewThrottler(), false
	})
	return t
}

// Remove drops key's throttler entirely (e.g. when its target is removed
// from configuration).
func (m *Manager) Remove(key string) {
	m.throttles.Delete(key)
}
