package forward

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/session"
	"github.com/resinat/tunnelcore/internal/wireerr"
)

type stubDialer struct {
	sess *session.UpstreamSession
	err  *wireerr.WireError
}

func (d *stubDialer) Dial(ctx context.Context, key endpoint.SessionKey, chain []dialer.ChainHop) (*session.UpstreamSession, uint64, *wireerr.WireError) {
	if d.err != nil {
		return nil, 0, d.err
	}
	id, _ := d.sess.OpenStream()
	return d.sess, id, nil
}

func testTarget() endpoint.Endpoint {
	return endpoint.Endpoint{Scheme: endpoint.SchemeTLS, Host: "example.org", Port: 443}
}

func TestBeginForwardsBytesBothDirections(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	defer clientRemote.Close()
	serverLocal, serverRemote := net.Pipe()

	key := endpoint.SessionKey{Destination: testTarget()}
	sess := session.New(key)
	sess.MarkReady(serverLocal, "tls", nil, true)

	f := New(Config{
		Dialer:   &stubDialer{sess: sess},
		Sessions: session.NewPool(time.Minute),
		AltSvc:   altsvc.NewRegistry(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		clientRemote.Write([]byte("hello"))
		buf := make([]byte, 5)
		serverRemote.Read(buf)
		serverRemote.Write([]byte("world"))
		out := make([]byte, 5)
		clientRemote.Read(out)
		clientRemote.Close()
		serverRemote.Close()
	}()

	res, werr := f.Begin(context.Background(), clientLocal, BeginRequest{Target: testTarget()}, nil)
	<-done
	if werr != nil {
		t.Fatalf("unexpected error: %v", werr)
	}
	if res == nil {
		t.Fatalf("expected a result")
	}
}

func TestBeginReturnsDialError(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	defer clientLocal.Close()
	defer clientRemote.Close()

	f := New(Config{
		Dialer:   &stubDialer{err: wireerr.New(wireerr.ConnectionRefused, nil)},
		Sessions: session.NewPool(time.Minute),
		AltSvc:   altsvc.NewRegistry(),
	})

	var gotErr *wireerr.WireError
	delegate := delegateFuncs{onError: func(id string, err *wireerr.WireError) { gotErr = err }}

	_, werr := f.Begin(context.Background(), clientLocal, BeginRequest{Target: testTarget()}, delegate)
	if werr == nil {
		t.Fatalf("expected dial error to propagate")
	}
	if gotErr == nil {
		t.Fatalf("expected OnError to be invoked")
	}
}

func TestCancelClosesInFlightConnection(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	defer clientRemote.Close()
	serverLocal, serverRemote := net.Pipe()
	defer serverRemote.Close()

	key := endpoint.SessionKey{Destination: testTarget()}
	sess := session.New(key)
	sess.MarkReady(serverLocal, "tls", nil, true)

	f := New(Config{
		Dialer:   &stubDialer{sess: sess},
		Sessions: session.NewPool(time.Minute),
		AltSvc:   altsvc.NewRegistry(),
	})

	started := make(chan string, 1)
	delegate := delegateFuncs{
		onConnectServer: func(ctx context.Context, client net.Conn, target endpoint.Endpoint, upstream net.Conn) (net.Conn, error) {
			started <- "connected"
			return upstream, nil
		},
	}

	go f.Begin(context.Background(), clientLocal, BeginRequest{Target: testTarget()}, delegate)
	<-started

	// Give Begin a moment to register the in-flight connection before
	// cancelling it; the registry write happens before dial.
	time.Sleep(10 * time.Millisecond)

	var id string
	f.conns.Range(func(k string, _ *inflight) bool {
		id = k
		return false
	})
	if id == "" {
		t.Fatalf("expected an in-flight connection id")
	}
	if !f.Cancel(id) {
		t.Fatalf("expected Cancel to find the connection")
	}
}

func TestStatsReflectsPoolAndAltSvc(t *testing.T) {
	reg := altsvc.NewRegistry()
	reg.Set(endpoint.Origin{Host: "example.org", Port: 443}, []altsvc.AdvertisedService{
		{Target: endpoint.Endpoint{Scheme: endpoint.SchemeQUIC, Host: "alt.example", Port: 443}, ProtocolTag: "h3"},
	}, time.Now().Add(time.Hour), []string{"h3"})
	entries := reg.Get(endpoint.Origin{Host: "example.org", Port: 443})
	entries[0].MarkBroken()

	pool := session.NewPool(time.Minute)
	f := New(Config{Dialer: &stubDialer{}, Sessions: pool, AltSvc: reg})

	stats := f.Stats()
	if stats.BrokenAltServiceEntries != 1 {
		t.Fatalf("expected 1 broken entry, got %d", stats.BrokenAltServiceEntries)
	}
	if stats.SessionPoolSize != pool.Size() {
		t.Fatalf("expected session pool size to match")
	}
}

// delegateFuncs is a functional adapter for Delegate, used to script
// expectations per test without a full struct implementation each time.
type delegateFuncs struct {
	onConnectServer func(ctx context.Context, client net.Conn, target endpoint.Endpoint, upstream net.Conn) (net.Conn, error)
	onAuthRequired  func(ctx context.Context, challenge string) (string, bool)
	onError         func(connectionID string, err *wireerr.WireError)
}

func (d delegateFuncs) OnConnectServer(ctx context.Context, client net.Conn, target endpoint.Endpoint, upstream net.Conn) (net.Conn, error) {
	if d.onConnectServer != nil {
		return d.onConnectServer(ctx, client, target, upstream)
	}
	return upstream, nil
}

func (d delegateFuncs) OnAuthRequired(ctx context.Context, challenge string) (string, bool) {
	if d.onAuthRequired != nil {
		return d.onAuthRequired(ctx, challenge)
	}
	return "", false
}

func (d delegateFuncs) OnError(connectionID string, err *wireerr.WireError) {
	if d.onError != nil {
		d.onError(connectionID, err)
	}
}
