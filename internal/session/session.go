// Package session implements the Upstream Session and Session Pool (spec
// §3/§4.6): lookup, insertion, aliasing, and idle eviction of multiplexable
// upstream connections shared across Forward Connections.
//
// The pool's concurrent map and atomic insert/evict pattern are grounded on
// internal/topology/pool.go's GlobalNodePool (xsync.Map + xsync.Compute,
// "first to finish handshaking wins, others discarded"); idle eviction reuses
// internal/scanloop's jittered sweep loop the same way
// internal/routing/lease_cleaner.go does.
package session

import (
	"crypto/x509"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/scanloop"
	"github.com/resinat/tunnelcore/internal/wireerr"
)

// State is the Upstream Session's lifecycle phase (spec §3).
type State int32

const (
	StateHandshakePending State = iota
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshakePending:
		return "handshake-pending"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultIdleTimeout is the idle-timer default named in spec §4.6.
const DefaultIdleTimeout = 30 * time.Second

// waiter is one entry of the per-stream FIFO of callbacks waiting for the
// session to leave handshake-pending (spec §3: "Upstream Session ... a
// per-stream FIFO of callbacks waiting to open").
type waiter struct {
	notify func(*UpstreamSession, error)
}

// UpstreamSession is a live (or pending) multiplexable connection identified
// by a Session Key (spec §3).
type UpstreamSession struct {
	Key  endpoint.SessionKey
	Hash endpoint.Hash

	protocolTag   string
	multiplexable bool

	state atomic.Int32

	mu           sync.Mutex
	conn         net.Conn
	peerCerts    []*x509.Certificate
	waiters      []waiter
	nextStreamID uint64
	openStreams  int

	lastActivity atomic.Int64 // unix nano

	errSlot   atomic.Pointer[wireerr.WireError] // terminal-error slot, set exactly once
	closeOnce sync.Once
}

// New creates an empty, handshake-pending Upstream Session for key.
func New(key endpoint.SessionKey) *UpstreamSession {
	s := &UpstreamSession{Key: key, Hash: key.Hash()}
	s.state.Store(int32(StateHandshakePending))
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// State returns the session's current lifecycle phase.
func (s *UpstreamSession) State() State {
	return State(s.state.Load())
}

// TerminalError returns the session's terminal error, or nil if none has
// been recorded.
func (s *UpstreamSession) TerminalError() *wireerr.WireError {
	return s.errSlot.Load()
}

// Touch records activity, resetting the idle timer.
func (s *UpstreamSession) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the session has gone without activity.
func (s *UpstreamSession) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// MarkReady transitions handshake-pending -> ready, records the underlying
// socket, protocol tag, and peer certificate chain (used for aliasing), and
// flushes every queued waiter in FIFO order. Waiters run one after another
// on a single freshly spawned goroutine, so none is invoked re-entrantly
// from inside MarkReady (spec §5: "no callback is invoked re-entrantly").
// multiplexable
// mirrors spec §4.2's publish rule: true for h2/quic destinations (streams
// may be opened concurrently), false for single-stream protocols (only the
// first OpenStream succeeds until the current stream closes).
func (s *UpstreamSession) MarkReady(conn net.Conn, protocolTag string, peerCerts []*x509.Certificate, multiplexable bool) {
	s.mu.Lock()
	s.conn = conn
	s.protocolTag = protocolTag
	s.peerCerts = peerCerts
	s.multiplexable = multiplexable
	pending := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	s.state.Store(int32(StateReady))
	s.Touch()

	if len(pending) > 0 {
		go func() {
			for _, w := range pending {
				w.notify(s, nil)
			}
		}()
	}
}

// Subscribe enqueues notify as a waiter if the session is still
// handshake-pending; if the session is already ready or terminally failed,
// notify is invoked immediately on a new goroutine (never re-entrantly).
func (s *UpstreamSession) Subscribe(notify func(*UpstreamSession, error)) {
	s.mu.Lock()
	if State(s.state.Load()) == StateHandshakePending {
		s.waiters = append(s.waiters, waiter{notify: notify})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if we := s.errSlot.Load(); we != nil {
		go notify(nil, we)
		return
	}
	go notify(s, nil)
}

// Conn returns the underlying socket once the session is ready, or nil
// beforehand. Since this package does not itself multiplex streams over the
// socket (multiplexing is the wire codec's job, e.g. sing-box's h2/quic
// transports), every stream on a ready session shares this one net.Conn.
func (s *UpstreamSession) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// OpenStream allocates a new stream id on a ready session. Only valid once
// ready; callers must Subscribe first if the session may still be pending.
func (s *UpstreamSession) OpenStream() (id uint64, ok bool) {
	if State(s.state.Load()) != StateReady {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if State(s.state.Load()) != StateReady {
		return 0, false
	}
	if !s.multiplexable && s.openStreams > 0 {
		return 0, false
	}
	s.nextStreamID++
	s.openStreams++
	s.Touch()
	return s.nextStreamID, true
}

// CloseStream releases one previously opened stream.
func (s *UpstreamSession) CloseStream() {
	s.mu.Lock()
	if s.openStreams > 0 {
		s.openStreams--
	}
	s.mu.Unlock()
	s.Touch()
}

// OpenStreamCount reports the number of streams currently open.
func (s *UpstreamSession) OpenStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openStreams
}

// MarkDraining transitions the session to draining: no new aliasing or
// stream opens are accepted, but existing streams may finish.
func (s *UpstreamSession) MarkDraining() {
	s.state.CompareAndSwap(int32(StateReady), int32(StateDraining))
}

// Fail sets the terminal-error slot exactly once, transitions to closed,
// fails every queued waiter, and closes the underlying socket.
func (s *UpstreamSession) Fail(err error) {
	we := wireerr.Classify(err)
	s.errSlot.CompareAndSwap(nil, we)
	s.closeInternal(we)
}

// Close closes the session cleanly (no terminal error recorded unless one
// already was). Idempotent from either side.
func (s *UpstreamSession) Close() {
	s.closeInternal(s.errSlot.Load())
}

func (s *UpstreamSession) closeInternal(we *wireerr.WireError) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.mu.Lock()
		conn := s.conn
		pending := s.waiters
		s.waiters = nil
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		for _, w := range pending {
			w := w
			go w.notify(nil, we)
		}
	})
}

// AliasableFor implements the aliasing rule of spec §4.6: "same proxy
// chain, same privacy and anonymization tags, the existing session's
// certificate chain VerifyNameMatch succeeds for the new key's host, and
// the existing session is not draining."
func (s *UpstreamSession) AliasableFor(key endpoint.SessionKey) bool {
	if State(s.state.Load()) != StateReady {
		return false
	}
	if !sameChain(s.Key.Chain, key.Chain) {
		return false
	}
	if s.Key.Privacy != key.Privacy || s.Key.Anonymization != key.Anonymization {
		return false
	}

	s.mu.Lock()
	certs := s.peerCerts
	s.mu.Unlock()
	if len(certs) == 0 {
		return false
	}
	return certs[0].VerifyHostname(key.Destination.Host) == nil
}

func sameChain(a, b endpoint.ProxyChain) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ErrAlreadyReady is returned by Pool.Insert when a ready session already
// occupies the key (spec §4.6: "insert(key, session) — fails if a ready
// session already exists").
var ErrAlreadyReady = wireerr.New(wireerr.ConnectionFailed, nil)

// Pool is the Session Pool of spec §4.6: lookup, insertion, aliasing, and
// eviction of Upstream Sessions, shared across Forward Connections.
type Pool struct {
	sessions    *xsync.Map[endpoint.Hash, *UpstreamSession]
	idleTimeout time.Duration
}

// NewPool constructs a Session Pool. idleTimeout <= 0 uses DefaultIdleTimeout.
func NewPool(idleTimeout time.Duration) *Pool {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Pool{
		sessions:    xsync.NewMap[endpoint.Hash, *UpstreamSession](),
		idleTimeout: idleTimeout,
	}
}

// Find returns the ready session at key's exact hash, if any (spec:
// "find(key) -> session_handle — exact match").
func (p *Pool) Find(key endpoint.SessionKey) (*UpstreamSession, bool) {
	sess, ok := p.sessions.Load(key.Hash())
	if !ok || State(sess.state.Load()) == StateClosed {
		return nil, false
	}
	return sess, true
}

// FindOrAlias returns the exact-match session, or failing that, any ready
// session in the pool whose AliasableFor(key) holds (spec: "find_or_alias").
func (p *Pool) FindOrAlias(key endpoint.SessionKey) (*UpstreamSession, bool) {
	if sess, ok := p.Find(key); ok {
		return sess, true
	}
	var found *UpstreamSession
	p.sessions.Range(func(_ endpoint.Hash, sess *UpstreamSession) bool {
		if sess.AliasableFor(key) {
			found = sess
			return false
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// Claim is the atomic form of §4.2 steps 1-3: it returns the pool's current
// occupant for key's hash (ready or handshake-pending) if one exists, or
// installs candidate as the new occupant and reports isNew=true. Exactly
// one caller racing on the same key receives isNew=true; all others are
// handed the session they should either OpenStream on (ready) or
// Subscribe to (handshake-pending) — spec §4.2: "When two dials for the
// same key race, the earlier one publishes; the later one subscribes as a
// waiter."
func (p *Pool) Claim(key endpoint.SessionKey, candidate *UpstreamSession) (active *UpstreamSession, isNew bool) {
	p.sessions.Compute(key.Hash(), func(existing *UpstreamSession, loaded bool) (*UpstreamSession, xsync.ComputeOp) {
		if loaded && State(existing.state.Load()) != StateClosed {
			active = existing
			isNew = false
			return existing, xsync.CancelOp
		}
		active = candidate
		isNew = true
		return candidate, xsync.UpdateOp
	})
	return active, isNew
}

// Insert adds sess under key's hash. Fails with ErrAlreadyReady if a ready
// session already occupies that hash; any occupant that is not ready
// (handshake-pending, draining or closed) is replaced by sess, whatever
// sess's own state (racing dials both insert a pending session; whichever
// reaches MarkReady first keeps the slot — see CompleteHandshake).
func (p *Pool) Insert(key endpoint.SessionKey, sess *UpstreamSession) error {
	var conflict error
	p.sessions.Compute(key.Hash(), func(existing *UpstreamSession, loaded bool) (*UpstreamSession, xsync.ComputeOp) {
		if loaded && State(existing.state.Load()) == StateReady {
			conflict = ErrAlreadyReady
			return existing, xsync.CancelOp
		}
		return sess, xsync.UpdateOp
	})
	return conflict
}

// CompleteHandshake is the atomic "first to finish handshaking wins, others
// are discarded" step named by spec §3's pool invariant. candidate has just
// finished its own handshake (conn/protocolTag/certs already captured); if
// another session already won the ready slot for this hash, candidate is
// closed and the winner is returned instead.
func (p *Pool) CompleteHandshake(key endpoint.SessionKey, candidate *UpstreamSession, conn net.Conn, protocolTag string, peerCerts []*x509.Certificate, multiplexable bool) *UpstreamSession {
	var winner *UpstreamSession
	hash := key.Hash()
	p.sessions.Compute(hash, func(existing *UpstreamSession, loaded bool) (*UpstreamSession, xsync.ComputeOp) {
		if loaded && existing != candidate && State(existing.state.Load()) == StateReady {
			winner = existing
			return existing, xsync.CancelOp
		}
		winner = candidate
		return candidate, xsync.UpdateOp
	})
	if winner != candidate {
		candidate.Fail(net.ErrClosed)
		return winner
	}
	candidate.MarkReady(conn, protocolTag, peerCerts, multiplexable)
	return candidate
}

// CloseOne closes and removes the session at key's exact hash, if any.
func (p *Pool) CloseOne(key endpoint.SessionKey) {
	hash := key.Hash()
	if sess, ok := p.sessions.LoadAndDelete(hash); ok {
		sess.Close()
	}
}

// CloseAll closes and removes every session in the pool (spec: "explicit
// close on global on_shutdown()").
func (p *Pool) CloseAll() {
	p.sessions.Range(func(hash endpoint.Hash, sess *UpstreamSession) bool {
		p.sessions.Delete(hash)
		sess.Close()
		return true
	})
}

// Remove drops sess from the pool without closing it (used when a session
// fails and its waiters have already been notified via Fail).
func (p *Pool) Remove(hash endpoint.Hash) {
	p.sessions.Delete(hash)
}

// Size returns the number of sessions currently tracked (any state).
func (p *Pool) Size() int {
	return p.sessions.Size()
}

// RunIdleSweep runs the idle-eviction loop until stopCh is closed (spec:
// "Idle timer per session"). Sessions with zero open streams that have been
// idle past the pool's idleTimeout are closed and removed; closed sessions
// are pruned unconditionally.
func (p *Pool) RunIdleSweep(stopCh <-chan struct{}) {
	scanloop.Run(stopCh, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, p.sweepOnce)
}

func (p *Pool) sweepOnce() {
	var toEvict []endpoint.Hash
	p.sessions.Range(func(hash endpoint.Hash, sess *UpstreamSession) bool {
		switch State(sess.state.Load()) {
		case StateClosed:
			toEvict = append(toEvict, hash)
		case StateReady:
			if sess.OpenStreamCount() == 0 && sess.IdleFor() >= p.idleTimeout {
				toEvict = append(toEvict, hash)
			}
		}
		return true
	})
	for _, hash := range toEvict {
		if sess, ok := p.sessions.LoadAndDelete(hash); ok {
			sess.Close()
		}
	}
}
