// Package forward implements the Request-Context Facade (spec §4.7): the
// single entry point that binds the Byte-Pump, Upstream-Dialer,
// Transport-Race Controller, Session Pool, and Alt-Service Registry together
// behind begin/cancel/stats.
//
// Grounded on internal/proxy/forward.go's ForwardProxy (ServeHTTP ->
// handleCONNECT hijack-and-tunnel sequence, per-request telemetry struct) and
// internal/proxy/request_lifecycle.go's event-emitting lifecycle. begin/
// cancel/stats map onto ForwardProxy.ServeHTTP plus a new explicit
// cancellation registry: the teacher relies on http.Server's connection
// lifecycle for cancellation, but the Facade needs an addressable
// cancel(connection_id), so a concurrent registry of in-flight connections is
// added here.
package forward

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/pump"
	"github.com/resinat/tunnelcore/internal/session"
	"github.com/resinat/tunnelcore/internal/wireerr"
)

// Delegate supplies the host-provided hooks of spec §4.7.
type Delegate interface {
	// OnConnectServer lets the host override or wrap the upstream handle the
	// dialer produced before forwarding begins. Returning the conn
	// unmodified is the default behavior; returning an error aborts the
	// connection with that error.
	OnConnectServer(ctx context.Context, client net.Conn, target endpoint.Endpoint, upstream net.Conn) (net.Conn, error)
	// OnAuthRequired supplies credentials for a 407 from an intermediate
	// proxy hop. ok=false leaves the 407 unanswered.
	OnAuthRequired(ctx context.Context, challenge string) (credentials string, ok bool)
	// OnError is a terminal notification; we invoked for both dial failures
	// and post-dial duplex-run failures.
	OnError(connectionID string, err *wireerr.WireError)
}

// NoopDelegate is the default Delegate: passes the upstream through
// unmodified, never answers auth challenges, and ignores errors.
type NoopDelegate struct{}

func (NoopDelegate) OnConnectServer(_ context.Context, _ net.Conn, _ endpoint.Endpoint, upstream net.Conn) (net.Conn, error) {
	return upstream, nil
}
func (NoopDelegate) OnAuthRequired(_ context.Context, _ string) (string, bool) { return "", false }
func (NoopDelegate) OnError(string, *wireerr.WireError)                       {}

// Dial is the subset of *dialer.Dialer / *race.Controller the Facade needs.
type Dial interface {
	Dial(ctx context.Context, key endpoint.SessionKey, chain []dialer.ChainHop) (*session.UpstreamSession, uint64, *wireerr.WireError)
}

// BeginRequest describes the connection being forwarded.
type BeginRequest struct {
	Target        endpoint.Endpoint
	Chain         []dialer.ChainHop
	Privacy       bool
	Anonymization string
	EarlyPull     time.Duration // 0 uses pump.DefaultEarlyPullTimeout
}

// Stats is the snapshot returned by stats() (spec §4.7).
type Stats struct {
	ActiveConnections       int
	TotalConnections        uint64
	BytesClientToServer     uint64
	BytesServerToClient     uint64
	SessionPoolSize         int
	BrokenAltServiceEntries int
}

type inflight struct {
	id     string
	target endpoint.Endpoint
	cancel context.CancelFunc
	fc     *pump.ForwardConnection
}

// Facade is the Request-Context Facade of spec §4.7.
type Facade struct {
	dialer   Dial
	sessions *session.Pool
	altsvc   *altsvc.Registry

	conns *xsync.Map[string, *inflight]

	totalConns atomic.Uint64
	bytesC2S   atomic.Uint64
	bytesS2C   atomic.Uint64
}

// Config wires a Facade's collaborators.
type Config struct {
	Dialer   Dial
	Sessions *session.Pool
	AltSvc   *altsvc.Registry
}

// New constructs a Facade.
func New(cfg Config) *Facade {
	return &Facade{
		dialer:   cfg.Dialer,
		sessions: cfg.Sessions,
		altsvc:   cfg.AltSvc,
		conns:    xsync.NewMap[string, *inflight](),
	}
}

// Begin implements spec §4.7's begin: constructs a Forward Connection, drives
// it through the Byte-Pump's state machine, dispatching the dial through the
// Upstream-Dialer (or Transport-Race Controller, if Dial wraps one), and
// blocks until the connection completes, is cancelled, or fails. Mirrors
// ForwardProxy.handleCONNECT's blocking hijack-and-tunnel shape — callers
// run Begin on a per-connection goroutine the way the teacher's HTTP
// handler runs per accepted request.
func (f *Facade) Begin(ctx context.Context, client net.Conn, req BeginRequest, delegate Delegate) (*pump.Result, *wireerr.WireError) {
	if delegate == nil {
		delegate = NoopDelegate{}
	}

	id := uuid.NewString()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fc := pump.New(id, client)
	f.conns.Store(id, &inflight{id: id, target: req.Target, cancel: cancel, fc: fc})
	defer f.conns.Delete(id)
	f.totalConns.Add(1)

	earlyTimeout := req.EarlyPull
	if earlyTimeout <= 0 {
		earlyTimeout = pump.DefaultEarlyPullTimeout
	}
	early := fc.Connect(earlyTimeout)

	key := endpoint.SessionKey{
		Destination:   req.Target,
		Chain:         chainEndpoints(req.Chain),
		Privacy:       req.Privacy,
		Anonymization: req.Anonymization,
	}

	sess, _, werr := f.dialer.Dial(connCtx, key, req.Chain)
	if werr != nil {
		delegate.OnError(id, werr)
		return nil, werr
	}
	defer sess.CloseStream()

	upstream, err := delegate.OnConnectServer(connCtx, client, req.Target, sess.Conn())
	if err != nil {
		we := wireerr.Classify(err)
		delegate.OnError(id, we)
		return nil, we
	}

	result := fc.Run(upstream, early)
	f.bytesC2S.Add(uint64(result.ClientToServerBytes))
	f.bytesS2C.Add(uint64(result.ServerToClientBytes))

	if result.Terminal != nil {
		delegate.OnError(id, result.Terminal)
		return &result, result.Terminal
	}
	return &result, nil
}

// Cancel implements spec §4.7's cancel: forces closure of an in-flight
// Forward Connection, which per §5 is the canonical way to tear down all
// outstanding I/O on both sides.
func (f *Facade) Cancel(connectionID string) bool {
	c, ok := f.conns.Load(connectionID)
	if !ok {
		return false
	}
	c.cancel()
	c.fc.Cancel()
	return true
}

// Stats implements spec §4.7's stats.
func (f *Facade) Stats() Stats {
	broken := 0
	f.altsvc.Range(func(e *altsvc.Entry) bool {
		if e.IsBroken() {
			broken++
		}
		return true
	})

	return Stats{
		ActiveConnections:       f.conns.Size(),
		TotalConnections:        f.totalConns.Load(),
		BytesClientToServer:     f.bytesC2S.Load(),
		BytesServerToClient:     f.bytesS2C.Load(),
		SessionPoolSize:         f.sessions.Size(),
		BrokenAltServiceEntries: broken,
	}
}

func chainEndpoints(hops []dialer.ChainHop) endpoint.ProxyChain {
	if len(hops) == 0 {
		return nil
	}
	chain := make(endpoint.ProxyChain, len(hops))
	for i, h := range hops {
		chain[i] = h.Endpoint
	}
	return chain
}
