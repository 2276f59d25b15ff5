// Package pump implements the Byte-Pump (spec §4.1): the per-connection
// duplex copy between an accepted client socket and a dynamically dialed
// upstream stream, with cooperative yielding, early read-ahead, and the
// precise terminal-error semantics of spec §5/§7.
//
// The teacher (internal/proxy/forward.go's handleCONNECT) moves bytes with
// two blocking io.Copy calls and no yield accounting, no early-pull slot,
// and no structured per-direction error classification. This package keeps
// that same "two goroutines, one per direction" shape — spec §9 accepts
// "language-native tasks/futures" in place of a literal continuation state
// machine — but adds the counters, deadlines, and terminal-error
// reconciliation the spec requires. Byte counting itself is grounded on
// internal/proxy/counting_conn.go's atomic counter idiom.
package pump

import (
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resinat/tunnelcore/internal/wireerr"
)

// Direction indexes the two sides of a Forward Connection (spec §3/§9).
type Direction int

const (
	DirClient Direction = 0 // kClient: from the accepted socket
	DirServer Direction = 1 // kServer: to the upstream
)

// Tunable per spec §4.1 ("target: 32 KiB" / "target: 20 ms").
const (
	YieldBytes    = 32 * 1024
	YieldInterval = 20 * time.Millisecond

	// DefaultEarlyPullTimeout bounds how long Connect waits for
	// speculatively-written client bytes before proceeding to dial with an
	// empty early pull (spec: "an early-pull that produces 0 bytes must
	// still allow the upstream dial to proceed").
	DefaultEarlyPullTimeout = 20 * time.Millisecond

	readBufferSize = 32 * 1024
)

// no_buffer_space retry policy (spec §7: "Transient OS errors
// (no_buffer_space) are retried in-place up to 12 times with a capped total
// back-off near 4-5s; beyond that, surfaced as quic_protocol_error"). The
// per-attempt schedule is geometric, 50ms * 1.5^n, but the cumulative sleep
// across all attempts never exceeds noBufferSpaceMaxTotalBackoff.
const (
	noBufferSpaceMaxAttempts       = 12
	noBufferSpaceBaseBackoff       = 50 * time.Millisecond
	noBufferSpaceBackoffMultiplier = 1.5
	noBufferSpaceMaxTotalBackoff   = 4300 * time.Millisecond
)

// retryNoBufferSpace reissues op in place while it keeps failing with a
// no_buffer_space error, up to noBufferSpaceMaxAttempts. Any other error is
// returned immediately. Exhausting the retry budget surfaces as
// quic_protocol_error rather than the original no_buffer_space cause, per
// spec §7's propagation policy.
func retryNoBufferSpace(op func() (int, error)) (int, error) {
	backoff := noBufferSpaceBaseBackoff
	var elapsed time.Duration
	for attempt := 1; ; attempt++ {
		n, err := op()
		if err == nil || !isNoBufferSpace(err) {
			return n, err
		}
		if attempt >= noBufferSpaceMaxAttempts {
			return n, wireerr.New(wireerr.QUICProtocolError, err)
		}
		sleep := backoff
		if elapsed+sleep > noBufferSpaceMaxTotalBackoff {
			sleep = noBufferSpaceMaxTotalBackoff - elapsed
		}
		if sleep > 0 {
			time.Sleep(sleep)
			elapsed += sleep
		}
		backoff = time.Duration(float64(backoff) * noBufferSpaceBackoffMultiplier)
	}
}

func isNoBufferSpace(err error) bool {
	we := wireerr.Classify(err)
	return we != nil && we.Code == wireerr.NoBufferSpace
}

// State names the Forward Connection's phase (spec §4.1 state machine).
// Because the client socket is already fully accepted before a
// ForwardConnection is constructed (Go's net.Listener.Accept blocks until
// the TCP handshake completes), CONNECT_CLIENT/CONNECT_CLIENT_COMPLETE
// collapse into StateNone -> StateEarlyPull without a suspension point; the
// names are kept as documentation of the spec's intended phases.
type State int32

const (
	StateNone State = iota
	StateEarlyPull
	StateConnectServer
	StateFullDuplex
	StateTerminal
)

// EarlyPull is the result of the pre-dial read on the client socket (spec:
// "Early pull"). Err is non-nil only if a genuine I/O error (not a
// deadline timeout) was observed; a timeout yields a zero-value EarlyPull.
type EarlyPull struct {
	Data []byte
	Err  error
}

// Pull issues the single pre-dial read described in §4.1. It never blocks
// longer than timeout.
func Pull(client net.Conn, timeout time.Duration) EarlyPull {
	if timeout <= 0 {
		timeout = DefaultEarlyPullTimeout
	}
	_ = client.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	_ = client.SetReadDeadline(time.Time{})
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return EarlyPull{}
		}
		if n == 0 {
			return EarlyPull{Err: err}
		}
	}
	if n == 0 {
		return EarlyPull{}
	}
	data := make([]byte, n)
	copy(data, buf[:n])
	return EarlyPull{Data: data, Err: nonTimeoutErr(err)}
}

func nonTimeoutErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nil
	}
	return err
}

// Result is the outcome of a completed full-duplex run (spec §4.1 "run").
type Result struct {
	ClientToServerBytes int64
	ServerToClientBytes int64
	Terminal            *wireerr.WireError // nil means ok
}

// ForwardConnection is one accepted client socket paired with at most one
// upstream stream (spec §3). It exclusively owns both Direction slots and
// is idempotently closeable from either side.
type ForwardConnection struct {
	ID string

	client net.Conn
	server net.Conn

	state atomic.Int32

	closeOnce [2]sync.Once
	errSlot   [2]atomic.Pointer[wireerr.WireError]

	cancelOnce sync.Once
	canceled   atomic.Bool
}

// New constructs a ForwardConnection around an already-accepted client
// socket. The server side is attached later, in Run, once the
// Upstream-Dialer has produced a stream.
func New(id string, client net.Conn) *ForwardConnection {
	fc := &ForwardConnection{ID: id, client: client}
	fc.state.Store(int32(StateEarlyPull))
	return fc
}

// State returns the connection's current phase.
func (fc *ForwardConnection) State() State {
	return State(fc.state.Load())
}

// Connect performs the early pull (spec §4.1 "connect(continuation)").
func (fc *ForwardConnection) Connect(timeout time.Duration) EarlyPull {
	fc.state.Store(int32(StateConnectServer))
	return Pull(fc.client, timeout)
}

// Run attaches the connected upstream stream and enters full-duplex,
// blocking until both directions are closed. early is the result from a
// prior Connect call; its bytes are delivered to the upstream first, ahead
// of anything subsequently read from the client (spec: "Early-pull bytes
// are the first bytes delivered to the upstream after handshake
// completion").
func (fc *ForwardConnection) Run(server net.Conn, early EarlyPull) Result {
	fc.server = server
	fc.state.Store(int32(StateFullDuplex))

	var wg sync.WaitGroup
	var c2s, s2c int64
	var c2sErr, s2cErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := fc.copyLoop(DirClient, fc.client, fc.server, early.Data, early.Err)
		c2s, c2sErr = n, err
	}()
	go func() {
		defer wg.Done()
		n, err := fc.copyLoop(DirServer, fc.server, fc.client, nil, nil)
		s2c, s2cErr = n, err
	}()
	wg.Wait()

	fc.state.Store(int32(StateTerminal))

	return Result{
		ClientToServerBytes: c2s,
		ServerToClientBytes: s2c,
		Terminal:            reconcileTerminal(c2sErr, s2cErr),
	}
}

// reconcileTerminal implements spec §4.1's "Succeeds with the terminal
// status ... ok on clean half-closes, the client-side error if
// non-trivial, otherwise the server-side error." and §7's "On a peer reset
// while a write was pending, the event is the reset error, not
// connection_closed."
func reconcileTerminal(clientErr, serverErr error) *wireerr.WireError {
	if we := significantError(clientErr); we != nil {
		return we
	}
	if we := significantError(serverErr); we != nil {
		return we
	}
	return nil
}

func significantError(err error) *wireerr.WireError {
	if err == nil || wireerr.IsBenignCopyError(err) {
		return nil
	}
	if we, ok := err.(*wireerr.WireError); ok {
		return we
	}
	return wireerr.Classify(err)
}

// copyLoop implements the duplex-loop algorithm of §4.1: bounded
// per-direction progress before a cooperative yield, partial-write
// reissue before the next read, and idempotent disconnect propagation.
// prefetched/prefetchedErr seed the loop with the early-pull result on the
// client->server direction.
func (fc *ForwardConnection) copyLoop(dir Direction, from io.Reader, to io.Writer, prefetched []byte, prefetchedErr error) (int64, error) {
	var total int64
	buf := make([]byte, readBufferSize)

	bytesSinceYield := 0
	yieldDeadline := time.Now().Add(YieldInterval)

	deliver := func(n int) error {
		if n <= 0 {
			return nil
		}
		if _, err := writeAll(to, buf[:n]); err != nil {
			fc.setErr(otherSide(dir), err)
			fc.disconnect(otherSide(dir))
			fc.disconnect(dir)
			return err
		}
		total += int64(n)
		bytesSinceYield += n
		return nil
	}

	if len(prefetched) > 0 {
		n := copy(buf, prefetched)
		if err := deliver(n); err != nil {
			return total, err
		}
	}
	if prefetchedErr != nil {
		fc.setErr(dir, prefetchedErr)
		fc.disconnect(dir)
		if !fc.otherHasPendingWrite(dir) {
			fc.disconnect(otherSide(dir))
		}
		return total, prefetchedErr
	}

	for {
		if fc.closedSide(dir) {
			return total, nil
		}

		n, err := retryNoBufferSpace(func() (int, error) { return from.Read(buf) })
		if n > 0 {
			if werr := deliver(n); werr != nil {
				return total, werr
			}
		}
		if err != nil {
			fc.setErr(dir, err)
			fc.disconnect(dir)
			if !fc.otherHasPendingWrite(dir) {
				fc.disconnect(otherSide(dir))
			}
			return total, err
		}

		if bytesSinceYield > YieldBytes || time.Now().After(yieldDeadline) {
			bytesSinceYield = 0
			yieldDeadline = time.Now().Add(YieldInterval)
			runtime.Gosched()
		}
	}
}

// otherHasPendingWrite is always false in this implementation: writeAll
// fully drains (or fails) before the read loop iterates again, so by
// construction there is never a write in flight on the other direction
// when a read fails here. Kept as a named hook so the invariant from spec
// §4.1 ("if no write is pending on the other side, disconnects the other
// side too") stays an explicit, auditable decision rather than an implicit
// accident of control flow.
func (fc *ForwardConnection) otherHasPendingWrite(Direction) bool {
	return false
}

func otherSide(dir Direction) Direction {
	if dir == DirClient {
		return DirServer
	}
	return DirClient
}

func (fc *ForwardConnection) setErr(dir Direction, err error) {
	if we, ok := err.(*wireerr.WireError); ok {
		fc.errSlot[dir].CompareAndSwap(nil, we)
		return
	}
	fc.errSlot[dir].CompareAndSwap(nil, wireerr.Classify(err))
}

func (fc *ForwardConnection) closedSide(dir Direction) bool {
	return fc.errSlot[dir].Load() != nil
}

// disconnect closes one side's socket. Idempotent per side (spec: "Disconnect
// is idempotent per side.").
func (fc *ForwardConnection) disconnect(dir Direction) {
	fc.closeOnce[dir].Do(func() {
		if dir == DirClient && fc.client != nil {
			_ = fc.client.Close()
		}
		if dir == DirServer && fc.server != nil {
			_ = fc.server.Close()
		}
	})
}

// Cancel forces closure of both sides. It is the canonical cancel (spec
// §5: "Destroying a Forward Connection cancels all outstanding I/O on both
// sides") and is idempotent: calling it twice is a no-op beyond the first
// call.
func (fc *ForwardConnection) Cancel() {
	fc.cancelOnce.Do(func() {
		fc.canceled.Store(true)
		fc.disconnect(DirClient)
		fc.disconnect(DirServer)
	})
}

// Canceled reports whether Cancel has been invoked.
func (fc *ForwardConnection) Canceled() bool {
	return fc.canceled.Load()
}

// writeAll reissues Write until data is fully drained or an error occurs
// (spec: "A write partially consumed (k < n) must be reissued for the
// remaining n-k bytes before the next read is posted.").
func writeAll(w io.Writer, data []byte) (int64, error) {
	var total int64
	for len(data) > 0 {
		k, err := retryNoBufferSpace(func() (int, error) { return w.Write(data) })
		total += int64(k)
		if err != nil {
			return total, err
		}
		if k == 0 {
			return total, io.ErrShortWrite
		}
		data = data[k:]
	}
	return total, nil
}
