package race

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/session"
	"github.com/resinat/tunnelcore/internal/wireerr"
)

// fakeDialer lets each test script exactly what a dial for a given scheme
// should do: succeed after a delay, or fail.
type fakeDialer struct {
	mu    sync.Mutex
	calls int32

	primaryDelay time.Duration
	primaryErr   *wireerr.WireError
	altDelay     time.Duration
	altErr       *wireerr.WireError
}

func (f *fakeDialer) Dial(ctx context.Context, key endpoint.SessionKey, chain []dialer.ChainHop) (*session.UpstreamSession, uint64, *wireerr.WireError) {
	atomic.AddInt32(&f.calls, 1)
	isAlt := key.Destination.Host == "alt.example"

	delay := f.primaryDelay
	failure := f.primaryErr
	if isAlt {
		delay = f.altDelay
		failure = f.altErr
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, 0, wireerr.New(wireerr.Aborted, ctx.Err())
	}

	if failure != nil {
		return nil, 0, failure
	}

	sess := session.New(key)
	sess.MarkReady(nopConn{}, "tcp", nil, true)
	id, _ := sess.OpenStream()
	return sess, id, nil
}

// nopConn is a minimal net.Conn stand-in for sessions that never need real
// I/O in these tests — only MarkReady/OpenStream/State are exercised.
type nopConn struct{}

func (nopConn) Read(p []byte) (int, error)         { return 0, fmt.Errorf("nopConn: no reads") }
func (nopConn) Write(p []byte) (int, error)        { return len(p), nil }
func (nopConn) Close() error                       { return nil }
func (nopConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (nopConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (nopConn) SetDeadline(t time.Time) error      { return nil }
func (nopConn) SetReadDeadline(t time.Time) error  { return nil }
func (nopConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

func testOrigin() endpoint.Origin { return endpoint.Origin{Host: "example.org", Port: 443} }

func testTargetKey() endpoint.SessionKey {
	return endpoint.SessionKey{Destination: endpoint.Endpoint{Scheme: endpoint.SchemeTLS, Host: "example.org", Port: 443}}
}

func registryWithOneAlt(t *testing.T) *altsvc.Registry {
	t.Helper()
	reg := altsvc.NewRegistry()
	reg.Set(testOrigin(), []altsvc.AdvertisedService{
		{Target: endpoint.Endpoint{Scheme: endpoint.SchemeQUIC, Host: "alt.example", Port: 443}, ProtocolTag: "h3"},
	}, time.Now().Add(time.Hour), []string{"h3"})
	return reg
}

func TestRaceDialsDirectWhenNoUsableAlt(t *testing.T) {
	reg := altsvc.NewRegistry() // no entries at all
	fd := &fakeDialer{}
	c := New(Config{Registry: reg, Dialer: fd, LocalVersions: []string{"h3"}})

	_, _, werr := c.Race(context.Background(), testOrigin(), testTargetKey(), nil)
	if werr != nil {
		t.Fatalf("unexpected error: %v", werr)
	}
	if atomic.LoadInt32(&fd.calls) != 1 {
		t.Fatalf("expected exactly one dial (primary only), got %d", fd.calls)
	}
}

func TestRaceAlternativeWinsWhenFaster(t *testing.T) {
	reg := registryWithOneAlt(t)
	fd := &fakeDialer{primaryDelay: 50 * time.Millisecond, altDelay: 5 * time.Millisecond}
	c := New(Config{Registry: reg, Dialer: fd, LocalVersions: []string{"h3"}})

	sess, _, werr := c.Race(context.Background(), testOrigin(), testTargetKey(), nil)
	if werr != nil {
		t.Fatalf("unexpected error: %v", werr)
	}
	if sess == nil {
		t.Fatalf("expected a winning session")
	}
}

func TestRaceMarksAltBrokenOnConfirmedFailure(t *testing.T) {
	reg := registryWithOneAlt(t)
	fd := &fakeDialer{
		primaryDelay: 5 * time.Millisecond,
		altDelay:     1 * time.Millisecond,
		altErr:       wireerr.New(wireerr.ConnectionRefused, fmt.Errorf("refused")),
	}
	c := New(Config{Registry: reg, Dialer: fd, LocalVersions: []string{"h3"}})

	sess, _, werr := c.Race(context.Background(), testOrigin(), testTargetKey(), nil)
	if werr != nil {
		t.Fatalf("expected primary to win despite alt failure: %v", werr)
	}
	if sess == nil {
		t.Fatalf("expected primary session")
	}

	usable := reg.Usable(testOrigin(), []string{"h3"}, false)
	if len(usable) != 0 {
		t.Fatalf("expected alt entry to be marked broken and filtered out, got %d usable", len(usable))
	}
}

func TestRaceBothFail(t *testing.T) {
	reg := registryWithOneAlt(t)
	fd := &fakeDialer{
		primaryErr: wireerr.New(wireerr.ConnectionRefused, fmt.Errorf("primary refused")),
		altErr:     wireerr.New(wireerr.ConnectionRefused, fmt.Errorf("alt refused")),
	}
	c := New(Config{Registry: reg, Dialer: fd, LocalVersions: []string{"h3"}})

	_, _, werr := c.Race(context.Background(), testOrigin(), testTargetKey(), nil)
	if werr == nil {
		t.Fatalf("expected both-fail race to return an error")
	}
}

func TestRaceConfirmationFailureRevertsToPrimary(t *testing.T) {
	reg := registryWithOneAlt(t)
	fd := &fakeDialer{primaryDelay: 20 * time.Millisecond, altDelay: 1 * time.Millisecond}
	failingProbe := func(ctx context.Context, sess *session.UpstreamSession) error {
		return fmt.Errorf("confirmation probe failed")
	}
	c := New(Config{
		Registry:            reg,
		Dialer:              fd,
		LocalVersions:       []string{"h3"},
		Probe:               failingProbe,
		RequireConfirmation: func() bool { return true },
	})

	sess, _, werr := c.Race(context.Background(), testOrigin(), testTargetKey(), nil)
	if werr != nil {
		t.Fatalf("unexpected error falling back to primary: %v", werr)
	}
	if sess == nil {
		t.Fatalf("expected a fallback primary session")
	}
}
