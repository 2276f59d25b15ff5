// Package dialer implements the Upstream-Dialer (spec §4.2): given a target
// Endpoint and a Proxy Chain, produce a connected stream handle bound to a
// Session Pool entry.
//
// The per-hop outbound construction is grounded on
// internal/outbound/builder.go's SingboxBuilder (real sing-box
// adapter.Outbound instances, full start-stage lifecycle via
// adapter.ListStartStages/adapter.LegacyStart) and
// internal/proxy/route_outbound.go's "load outbound, DialContext" step. Hop
// walking itself — dialing the first proxy, then HTTP-CONNECT-tunneling
// through it to every subsequent hop and finally to the target — is new:
// the teacher only ever dials a single outbound per node.
package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	M "github.com/sagernet/sing/common/metadata"

	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/retry"
	"github.com/resinat/tunnelcore/internal/session"
	"github.com/resinat/tunnelcore/internal/wireerr"
)

// Outbound is the minimal contract a dialed hop needs; satisfied by
// sing-box's adapter.Outbound.
type Outbound interface {
	DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error)
}

// Builder constructs an Outbound from raw per-hop options (mirrors
// internal/outbound.OutboundBuilder).
type Builder interface {
	Build(rawOptions json.RawMessage) (Outbound, error)
}

// ChainHop is one proxy hop: the Endpoint to reach and the outbound options
// describing how to reach it. The first hop is dialed directly through its
// Builder-constructed Outbound; every subsequent hop (and the final target)
// is reached by HTTP-CONNECT-tunneling through the previous hop's stream.
type ChainHop struct {
	Endpoint endpoint.Endpoint
	Options  json.RawMessage
}

const (
	defaultTLSDialTimeout = 10 * time.Second
	defaultDialTimeout    = 30 * time.Second
)

// directOutboundOptions is the sing-box outbound payload used for the
// empty-chain case (spec §3: empty Proxy Chain means dial the target
// directly). The Builder only ever accepts complete outbound JSON documents,
// so the zero value of ChainHop.Options (nil) is not usable here.
var directOutboundOptions = json.RawMessage(`{"type":"direct","tag":"direct"}`)

// AuthCallback supplies credentials for a hop that answers CONNECT with 407
// Proxy Authentication Required (spec §4.7's on_auth_required delegate
// callback, surfaced here since the dialer is what observes the 407).
// Returning ok=false leaves the 407 uncorrected and the hop fails.
type AuthCallback func(ctx context.Context, challenge string) (credentials string, ok bool)

// AltSvcRecorder records an origin's advertised alternative services, as
// parsed from an upstream CONNECT response's Alt-Svc header (spec §6's
// advertisement syntax). Satisfied by *altsvc.Registry.
type AltSvcRecorder interface {
	Set(origin endpoint.Origin, list []altsvc.AdvertisedService, expiration time.Time, versions []string)
}

// Dialer is the Upstream-Dialer of spec §4.2.
type Dialer struct {
	builder Builder
	pool    *session.Pool
	retries *retry.Manager
	onAuth  AuthCallback
	altSvc  AltSvcRecorder
}

// New constructs a Dialer over the given outbound Builder and Session Pool.
// retries may be nil if hop-failure rate limiting is not wired.
func New(builder Builder, pool *session.Pool, retries *retry.Manager) *Dialer {
	return &Dialer{builder: builder, pool: pool, retries: retries}
}

// SetAuthCallback wires the delegate hook used when an intermediate hop
// demands Proxy-Authorization. Optional; a chain with no such hop never
// invokes it.
func (d *Dialer) SetAuthCallback(cb AuthCallback) {
	d.onAuth = cb
}

// SetAltSvcRecorder wires the Alt-Service Registry that final-hop CONNECT
// responses' Alt-Svc headers are recorded into. Optional; without it, the
// Transport-Race Controller can only ever see advertisements restored from
// a persisted snapshot.
func (d *Dialer) SetAltSvcRecorder(recorder AltSvcRecorder) {
	d.altSvc = recorder
}

// Dial implements the algorithm of spec §4.2: reuse a ready session, join a
// handshake-pending one, or walk chain to build a brand new session, which
// is then published to the Session Pool under key.
func (d *Dialer) Dial(ctx context.Context, key endpoint.SessionKey, chain []ChainHop) (*session.UpstreamSession, uint64, *wireerr.WireError) {
	candidate := session.New(key)
	active, isNew := d.pool.Claim(key, candidate)

	if !isNew {
		if active.State() == session.StateReady {
			id, ok := active.OpenStream()
			if !ok {
				return nil, 0, wireerr.New(wireerr.ConnectionFailed, fmt.Errorf("session busy: single-stream session at capacity"))
			}
			return active, id, nil
		}
		return d.joinPending(ctx, active)
	}

	conn, protocolTag, certs, err := d.dialChain(ctx, chain, key.Destination)
	if err != nil {
		we := wireerr.ClassifyConnect(err)
		candidate.Fail(we)
		d.pool.Remove(key.Hash())
		if d.retries != nil {
			d.retries.Get(hopRetryKey(chain, key.Destination)).OnRuntimeFailure(nil)
		}
		return nil, 0, we
	}

	multiplexable := isMultiplexableScheme(key.Destination.Scheme)
	winner := d.pool.CompleteHandshake(key, candidate, conn, protocolTag, certs, multiplexable)

	id, ok := winner.OpenStream()
	if !ok {
		return nil, 0, wireerr.New(wireerr.ConnectionFailed, fmt.Errorf("session busy: single-stream session at capacity"))
	}
	return winner, id, nil
}

// joinPending enqueues a waiter on a handshake-pending session and blocks
// until it is ready, fails, or ctx is cancelled (spec §4.2 step 2: "enqueue
// a waiter on it; return pending").
func (d *Dialer) joinPending(ctx context.Context, pending *session.UpstreamSession) (*session.UpstreamSession, uint64, *wireerr.WireError) {
	type outcome struct {
		sess *session.UpstreamSession
		err  error
	}
	resCh := make(chan outcome, 1)
	pending.Subscribe(func(s *session.UpstreamSession, err error) {
		resCh <- outcome{sess: s, err: err}
	})

	select {
	case <-ctx.Done():
		return nil, 0, wireerr.Classify(ctx.Err())
	case res := <-resCh:
		if res.err != nil {
			return nil, 0, wireerr.Classify(res.err)
		}
		id, ok := res.sess.OpenStream()
		if !ok {
			return nil, 0, wireerr.New(wireerr.ConnectionFailed, fmt.Errorf("session busy: single-stream session at capacity"))
		}
		return res.sess, id, nil
	}
}

func isMultiplexableScheme(s endpoint.Scheme) bool {
	return s == endpoint.SchemeH2 || s == endpoint.SchemeQUIC
}

func hopRetryKey(chain []ChainHop, target endpoint.Endpoint) string {
	if len(chain) == 0 {
		return "direct:" + target.String()
	}
	return "chain:" + chain[0].Endpoint.String()
}

// dialChain performs §4.2 step 3b: "Walk the Proxy Chain: for each hop,
// perform the hop-specific handshake (TLS, HTTP CONNECT over the prior hop,
// QUIC handshake)."
func (d *Dialer) dialChain(ctx context.Context, chain []ChainHop, target endpoint.Endpoint) (net.Conn, string, []*x509.Certificate, error) {
	var conn net.Conn
	var err error

	if len(chain) == 0 {
		conn, err = d.dialHop(ctx, ChainHop{Endpoint: target, Options: directOutboundOptions})
		if err != nil {
			return nil, "", nil, fmt.Errorf("dial target %s: %w", target, err)
		}
	} else {
		conn, err = d.dialHop(ctx, chain[0])
		if err != nil {
			return nil, "", nil, fmt.Errorf("dial first hop %s: %w", chain[0].Endpoint, err)
		}
		for i := 1; i < len(chain); i++ {
			conn, err = d.connectTunnel(ctx, conn, chain[i].Endpoint, false)
			if err != nil {
				return nil, "", nil, fmt.Errorf("connect-tunnel to hop %s: %w", chain[i].Endpoint, err)
			}
		}
		conn, err = d.connectTunnel(ctx, conn, target, true)
		if err != nil {
			return nil, "", nil, fmt.Errorf("connect-tunnel to target %s: %w", target, err)
		}
	}

	if target.Scheme == endpoint.SchemeTLS || target.Scheme == endpoint.SchemeH2 {
		return tlsHandshake(ctx, conn, target.Host)
	}
	return conn, "tcp", nil, nil
}

func (d *Dialer) dialHop(ctx context.Context, hop ChainHop) (net.Conn, error) {
	ob, err := d.builder.Build(hop.Options)
	if err != nil {
		return nil, fmt.Errorf("build outbound for %s: %w", hop.Endpoint, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	return ob.DialContext(dialCtx, "tcp", M.ParseSocksaddr(hop.Endpoint.String()))
}

// connectTunnel issues an HTTP CONNECT over conn to reach dst, returning a
// net.Conn that still yields any bytes the upstream's response buffered
// beyond the status line/headers. A 407 from the hop is retried once with
// credentials from the dialer's AuthCallback, if one is wired (spec §4.7
// on_auth_required). recordAltSvc requests that a successful response's
// Alt-Svc header (if any) be parsed into the wired AltSvcRecorder under
// dst's origin; only the final hop to the client's requested target should
// pass true, since the Alt-Service Registry is keyed by that origin.
func (d *Dialer) connectTunnel(ctx context.Context, conn net.Conn, dst endpoint.Endpoint, recordAltSvc bool) (net.Conn, error) {
	return d.connectTunnelAttempt(ctx, conn, dst, "", recordAltSvc)
}

func (d *Dialer) connectTunnelAttempt(ctx context.Context, conn net.Conn, dst endpoint.Endpoint, proxyAuth string, recordAltSvc bool) (net.Conn, error) {
	target := dst.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "//"+target, nil)
	if err != nil {
		return nil, err
	}
	req.Host = target
	req.URL.Opaque = target
	if proxyAuth != "" {
		req.Header.Set("Proxy-Authorization", proxyAuth)
	}

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired && proxyAuth == "" && d.onAuth != nil {
		creds, ok := d.onAuth(ctx, resp.Header.Get("Proxy-Authenticate"))
		if ok {
			return d.connectTunnelAttempt(ctx, conn, dst, creds, recordAltSvc)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CONNECT %s: upstream returned %s", target, resp.Status)
	}

	if recordAltSvc {
		d.recordAltSvc(dst, resp.Header.Get("Alt-Svc"))
	}

	if br.Buffered() == 0 {
		return conn, nil
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

// recordAltSvc parses header as an Alt-Svc advertisement scoped to dst's
// origin and, if it yields anything, replaces that origin's entry in the
// wired AltSvcRecorder (spec §6 advertisement syntax). A no-op if no
// recorder is wired or header is empty/unparseable.
func (d *Dialer) recordAltSvc(dst endpoint.Endpoint, header string) {
	if d.altSvc == nil || header == "" {
		return
	}
	origin := endpoint.Origin{Host: dst.Host, Port: dst.Port}
	services, expiration, versions, ok := altsvc.ParseHeader(origin, header)
	if !ok {
		return
	}
	d.altSvc.Set(origin, services, expiration, versions)
}

// bufferedConn serves a bufio.Reader's already-buffered bytes before
// falling back to the underlying conn, preserving byte-transparency after a
// CONNECT response is parsed (mirrors the teacher's buffered pre-read
// drain in request_lifecycle.go's tunnel setup).
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func tlsHandshake(ctx context.Context, conn net.Conn, host string) (net.Conn, string, []*x509.Certificate, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTLSDialTimeout)
	}
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	tlsConn := tls.Client(conn, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, "", nil, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	return tlsConn, "tls", tlsConn.ConnectionState().PeerCertificates, nil
}
