// Package altsvc implements the Alt-Service Registry (spec §4.4): per-origin
// advertised alternative transports (e.g. QUIC via Alt-Svc) and their
// brokenness, consulted by the Transport-Race Controller before every race.
//
// Brokenness is grounded on internal/node/entry.go's atomic circuit-breaker
// fields (FailureCount, CircuitOpenSince), generalized from "node circuit
// breaker" to the three-counter model (broken_until, broken_count,
// recently_broken_count) spec §4.4 names, so mark_broken/confirm can run
// lock-free and safely re-entrant from a race outcome notification.
package altsvc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/resinat/tunnelcore/internal/endpoint"
)

// AdvertisedService is one alternative way to reach an origin (spec §3:
// "list of advertised Endpoints with protocol tags").
type AdvertisedService struct {
	Target      endpoint.Endpoint
	ProtocolTag string
}

const (
	// brokenBase and brokenCap bound the exponential broken-for duration
	// named by spec §4.4 ("governs the next broken-for duration
	// (exponential up to a cap)").
	brokenBase = 30 * time.Second
	brokenCap  = time.Hour
)

// Entry is one Alt-Service Entry (spec §3): a single advertised alternative
// for an origin, plus its own brokenness state.
type Entry struct {
	Origin     endpoint.Origin
	Service    AdvertisedService
	Versions   map[string]struct{} // advertised-versions set
	Expiration time.Time           // wall-clock; aged out lazily on read
	insertedAt time.Time

	brokenUntil         atomic.Int64 // unix nano, monotonic-ish via time.Now(); 0 = not broken
	brokenCount         atomic.Int32
	recentlyBrokenCount atomic.Int32

	// onBrokennessChange notifies a wired persistence sink (spec §6) that
	// this entry's brokenness row needs re-flushing. Nil when no sink is
	// wired.
	onBrokennessChange func(fingerprint string)
}

// IsBroken reports whether the entry is currently broken (spec §4.3:
// "entry is 'broken' iff now < broken_until").
func (e *Entry) IsBroken() bool {
	until := e.brokenUntil.Load()
	return until != 0 && time.Now().UnixNano() < until
}

// BrokenUntil returns the instant the entry's brokenness expires, or the
// zero Time if not broken.
func (e *Entry) BrokenUntil() time.Time {
	until := e.brokenUntil.Load()
	if until == 0 {
		return time.Time{}
	}
	return time.Unix(0, until)
}

func (e *Entry) BrokenCount() int         { return int(e.brokenCount.Load()) }
func (e *Entry) RecentlyBrokenCount() int { return int(e.recentlyBrokenCount.Load()) }

// MarkBroken trips the circuit: arms broken_until with an exponentially
// growing duration (capped) and bumps both broken_count and
// recently_broken_count (spec §4.3 step 5).
func (e *Entry) MarkBroken() {
	count := e.brokenCount.Add(1)
	e.recentlyBrokenCount.Add(1)
	e.brokenUntil.Store(time.Now().Add(backoffFor(count)).UnixNano())
	e.notifyBrokennessChange()
}

// MarkRecentlyBroken records a softer failure signal (e.g. a confirmation
// probe miss) without tripping the broken-until circuit breaker.
func (e *Entry) MarkRecentlyBroken() {
	e.recentlyBrokenCount.Add(1)
	e.notifyBrokennessChange()
}

// Confirm clears both brokenness marks on an observed success (spec §4.4:
// "confirm clears both marks").
func (e *Entry) Confirm() {
	e.brokenUntil.Store(0)
	e.recentlyBrokenCount.Store(0)
	e.notifyBrokennessChange()
}

func (e *Entry) notifyBrokennessChange() {
	if e.onBrokennessChange != nil {
		e.onBrokennessChange(e.Fingerprint())
	}
}

func backoffFor(count int32) time.Duration {
	d := brokenBase
	for i := int32(1); i < count; i++ {
		d *= 2
		if d >= brokenCap {
			return brokenCap
		}
	}
	if d > brokenCap {
		return brokenCap
	}
	return d
}

// HasVersion reports whether tag is in the entry's advertised-versions set.
func (e *Entry) HasVersion(tag string) bool {
	if len(e.Versions) == 0 {
		return true
	}
	_, ok := e.Versions[tag]
	return ok
}

func (e *Entry) expired(now time.Time) bool {
	return !e.Expiration.IsZero() && now.After(e.Expiration)
}

// Registry is the Alt-Service Registry of spec §4.4.
type Registry struct {
	mu      sync.RWMutex
	entries map[endpoint.Hash][]*Entry
	dirty   DirtyNotifier // optional persistence sink (spec §6); nil means in-memory only
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[endpoint.Hash][]*Entry)}
}

// Set replaces the advertised-services list for origin (spec: "replaces the
// list; may be called at most once per response carrying the advertisement
// header"). versions is the advertised-versions set shared by every service
// in list.
func (r *Registry) Set(origin endpoint.Origin, list []AdvertisedService, expiration time.Time, versions []string) {
	versionSet := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		versionSet[v] = struct{}{}
	}

	now := time.Now()
	entries := make([]*Entry, 0, len(list))
	for _, svc := range list {
		entries = append(entries, &Entry{
			Origin:     origin,
			Service:    svc,
			Versions:   versionSet,
			Expiration: expiration,
			insertedAt: now,
		})
	}

	hash := endpoint.HashOrigin(origin)
	r.mu.Lock()
	old := r.entries[hash]
	r.entries[hash] = entries
	dirty := r.dirty
	for _, e := range entries {
		e.onBrokennessChange = r.brokennessChanged
	}
	r.mu.Unlock()

	if dirty != nil {
		for _, e := range old {
			dirty.MarkEntryDelete(e.Fingerprint())
		}
		for _, e := range entries {
			dirty.MarkEntry(e.Fingerprint())
		}
	}
}

func (r *Registry) brokennessChanged(fingerprint string) {
	r.mu.RLock()
	dirty := r.dirty
	r.mu.RUnlock()
	if dirty != nil {
		dirty.MarkBrokenness(fingerprint)
	}
}

// Get returns origin's unexpired entries, in insertion order (spec:
// "returns entries not yet expired, in insertion order").
func (r *Registry) Get(origin endpoint.Origin) []*Entry {
	hash := endpoint.HashOrigin(origin)
	r.mu.RLock()
	all := r.entries[hash]
	r.mu.RUnlock()

	now := time.Now()
	out := make([]*Entry, 0, len(all))
	for _, e := range all {
		if !e.expired(now) {
			out = append(out, e)
		}
	}
	return out
}

// Usable filters Get(origin) down to entries the Transport-Race Controller
// may select (spec §4.3 step 1): not broken (unless confirming), and with a
// nonempty intersection against locally supported protocol versions.
func (r *Registry) Usable(origin endpoint.Origin, locallySupported []string, allowBroken bool) []*Entry {
	supported := make(map[string]struct{}, len(locallySupported))
	for _, v := range locallySupported {
		supported[v] = struct{}{}
	}

	var out []*Entry
	for _, e := range r.Get(origin) {
		if e.IsBroken() && !allowBroken {
			continue
		}
		if len(supported) > 0 && !intersects(e.Versions, supported) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) == 0 {
		return true
	}
	for v := range a {
		if _, ok := b[v]; ok {
			return true
		}
	}
	return false
}

// OnDefaultNetworkChanged clears every entry's broken_until instant across
// every origin, preserving recently_broken_count (spec §4.4).
func (r *Registry) OnDefaultNetworkChanged() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entries := range r.entries {
		for _, e := range entries {
			e.brokenUntil.Store(0)
		}
	}
}

// Range calls fn for every entry across every origin, stopping early if fn
// returns false. Used by the Request-Context Facade's stats() snapshot
// (spec §4.7) to count broken entries without exposing the internal map.
func (r *Registry) Range(fn func(*Entry) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entries := range r.entries {
		for _, e := range entries {
			if !fn(e) {
				return
			}
		}
	}
}

// Purge removes any origin whose entries are all expired, bounding registry
// growth. Safe to call periodically from a sweep loop.
func (r *Registry) Purge() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, entries := range r.entries {
		live := entries[:0:0]
		for _, e := range entries {
			if !e.expired(now) {
				live = append(live, e)
			}
		}
		if len(live) == 0 {
			delete(r.entries, hash)
		} else {
			r.entries[hash] = live
		}
	}
}
