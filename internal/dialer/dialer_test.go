package dialer

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	M "github.com/sagernet/sing/common/metadata"

	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/session"
)

// fakeOutbound dials directly to a fixed net.Addr, ignoring the requested
// destination — enough to exercise the hop-walking algorithm without a real
// sing-box service graph.
type fakeOutbound struct {
	dialTo string
}

func (f *fakeOutbound) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", f.dialTo)
}

type fakeBuilder struct {
	dialTo string
}

func (b *fakeBuilder) Build(rawOptions json.RawMessage) (Outbound, error) {
	return &fakeOutbound{dialTo: b.dialTo}, nil
}

// connectProxyServer accepts one connection, expects a CONNECT request, and
// replies 200 OK, then echoes whatever it receives afterward.
func startConnectEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()
		if req.Method != http.MethodConnect {
			conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			return
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		// Accept a second time for the duration of the test in case of
		// connection reuse attempts; ignore errors once the listener closes.
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestDialDirectEstablishesPlainTCPSession(t *testing.T) {
	addr := startConnectEchoServer(t)
	// A direct (no-chain) dial still routes through dialHop -> Builder ->
	// Outbound.DialContext, so point the fake outbound straight at the
	// echo server and use a direct-tcp scheme target to skip TLS.
	builder := &fakeBuilder{dialTo: addr}
	pool := session.NewPool(time.Minute)
	d := New(builder, pool, nil)

	target := endpoint.Endpoint{Scheme: endpoint.SchemeDirectTCP, Host: "example.org", Port: 9999}
	key := endpoint.SessionKey{Destination: target}

	// The fake outbound ignores the destination and connects straight to
	// the CONNECT-echo server, so the dialer's own CONNECT-tunnel step
	// never fires for a zero-hop chain: dialChain dials target directly via
	// dialHop, which means we're validating the pool-publish path here.
	sess, id, werr := d.Dial(context.Background(), key, nil)
	if werr != nil {
		t.Fatalf("unexpected error: %v", werr)
	}
	if id == 0 {
		t.Fatalf("expected nonzero stream id")
	}
	if sess.State() != session.StateReady {
		t.Fatalf("expected ready session")
	}
}

func TestDialSecondCallerJoinsReadySession(t *testing.T) {
	addr := startConnectEchoServer(t)
	builder := &fakeBuilder{dialTo: addr}
	pool := session.NewPool(time.Minute)
	d := New(builder, pool, nil)

	target := endpoint.Endpoint{Scheme: endpoint.SchemeH2, Host: "example.org", Port: 9999}
	key := endpoint.SessionKey{Destination: target}

	first, id1, werr := d.Dial(context.Background(), key, nil)
	if werr != nil {
		t.Fatalf("first dial: %v", werr)
	}

	second, id2, werr := d.Dial(context.Background(), key, nil)
	if werr != nil {
		t.Fatalf("second dial: %v", werr)
	}
	if second != first {
		t.Fatalf("expected second caller to join the same session")
	}
	if id2 == id1 {
		t.Fatalf("expected distinct stream ids on a multiplexable session")
	}
}

// startConnectEchoServerWithAltSvc behaves like startConnectEchoServer but
// answers CONNECT with an Alt-Svc header so recordAltSvc has something to
// parse.
func startConnectEchoServerWithAltSvc(t *testing.T, altSvc string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()
		if req.Method != http.MethodConnect {
			conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			return
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\nAlt-Svc: " + altSvc + "\r\n\r\n"))

		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

type recordedAltSvc struct {
	origin     endpoint.Origin
	list       []altsvc.AdvertisedService
	expiration time.Time
	versions   []string
}

type fakeAltSvcRecorder struct {
	calls []recordedAltSvc
}

func (r *fakeAltSvcRecorder) Set(origin endpoint.Origin, list []altsvc.AdvertisedService, expiration time.Time, versions []string) {
	r.calls = append(r.calls, recordedAltSvc{origin: origin, list: list, expiration: expiration, versions: versions})
}

func TestDialChainRecordsAltSvcFromFinalHopOnly(t *testing.T) {
	addr := startConnectEchoServerWithAltSvc(t, `quic=":443"; v="46"`)
	builder := &fakeBuilder{dialTo: addr}
	pool := session.NewPool(time.Minute)
	d := New(builder, pool, nil)
	recorder := &fakeAltSvcRecorder{}
	d.SetAltSvcRecorder(recorder)

	target := endpoint.Endpoint{Scheme: endpoint.SchemeDirectTCP, Host: "final.example", Port: 443}
	key := endpoint.SessionKey{
		Destination: target,
		Chain:       endpoint.ProxyChain{{Scheme: endpoint.SchemeDirectTCP, Host: "hop1.example", Port: 8080}},
	}
	chain := []ChainHop{{Endpoint: endpoint.Endpoint{Host: "hop1.example", Port: 8080}}}

	_, _, werr := d.Dial(context.Background(), key, chain)
	if werr != nil {
		t.Fatalf("unexpected error: %v", werr)
	}

	if len(recorder.calls) != 1 {
		t.Fatalf("expected exactly one Alt-Svc recording (final hop only), got %d", len(recorder.calls))
	}
	got := recorder.calls[0]
	if got.origin != (endpoint.Origin{Host: "final.example", Port: 443}) {
		t.Fatalf("expected origin scoped to target, got %+v", got.origin)
	}
	if len(got.list) != 1 || got.list[0].ProtocolTag != "h3" {
		t.Fatalf("expected one h3 service, got %+v", got.list)
	}
}

func TestDialChainWalksThroughIntermediateHops(t *testing.T) {
	addr := startConnectEchoServer(t)
	builder := &fakeBuilder{dialTo: addr}
	pool := session.NewPool(time.Minute)
	d := New(builder, pool, nil)

	target := endpoint.Endpoint{Scheme: endpoint.SchemeDirectTCP, Host: "final.example", Port: 80}
	key := endpoint.SessionKey{
		Destination: target,
		Chain:       endpoint.ProxyChain{{Scheme: endpoint.SchemeDirectTCP, Host: "hop1.example", Port: 8080}},
	}
	chain := []ChainHop{{Endpoint: endpoint.Endpoint{Host: "hop1.example", Port: 8080}}}

	sess, _, werr := d.Dial(context.Background(), key, chain)
	if werr != nil {
		t.Fatalf("unexpected error: %v", werr)
	}
	if sess.State() != session.StateReady {
		t.Fatalf("expected ready session after walking the chain")
	}
}
