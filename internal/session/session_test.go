package session

import (
	"net"
	"testing"
	"time"

	"github.com/resinat/tunnelcore/internal/endpoint"
)

func testKey(host string) endpoint.SessionKey {
	return endpoint.SessionKey{
		Destination: endpoint.Endpoint{Scheme: endpoint.SchemeTLS, Host: host, Port: 443},
	}
}

func TestPoolFindExactMatch(t *testing.T) {
	pool := NewPool(time.Minute)
	key := testKey("example.org")
	sess := New(key)
	if err := pool.Insert(key, sess); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	local, remote := net.Pipe()
	defer remote.Close()
	sess.MarkReady(local, "tls", nil, true)

	got, ok := pool.Find(key)
	if !ok || got != sess {
		t.Fatalf("expected exact-match session, got ok=%v", ok)
	}
}

func TestPoolInsertRejectsWhenReady(t *testing.T) {
	pool := NewPool(time.Minute)
	key := testKey("example.org")
	sess := New(key)
	_ = pool.Insert(key, sess)

	local, remote := net.Pipe()
	defer remote.Close()
	sess.MarkReady(local, "tls", nil, true)

	if err := pool.Insert(key, New(key)); err == nil {
		t.Fatalf("expected insert to fail against a ready session")
	}
}

func TestCompleteHandshakeFirstWins(t *testing.T) {
	pool := NewPool(time.Minute)
	key := testKey("example.org")

	a := New(key)
	b := New(key)
	_ = pool.Insert(key, a)

	aLocal, aRemote := net.Pipe()
	bLocal, bRemote := net.Pipe()
	defer aRemote.Close()
	defer bRemote.Close()

	winner := pool.CompleteHandshake(key, a, aLocal, "tls", nil, true)
	if winner != a {
		t.Fatalf("expected a to win the empty slot")
	}

	loser := pool.CompleteHandshake(key, b, bLocal, "tls", nil, true)
	if loser != a {
		t.Fatalf("expected a to remain the winner, got %v", loser)
	}
	if loser.State() != StateReady {
		t.Fatalf("winner must be ready")
	}
}

func TestSubscribeFlushesInOrderAfterMarkReady(t *testing.T) {
	key := testKey("example.org")
	sess := New(key)

	var order []int
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		i := i
		sess.Subscribe(func(s *UpstreamSession, err error) {
			order = append(order, i)
			done <- struct{}{}
		})
	}

	local, remote := net.Pipe()
	defer remote.Close()
	sess.MarkReady(local, "tls", nil, true)

	for i := 0; i < 3; i++ {
		<-done
	}
	if len(order) != 3 {
		t.Fatalf("expected all 3 waiters notified, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("expected waiters notified in FIFO order [0 1 2], got %v", order)
		}
	}
}

func TestFailNotifiesWaitersWithError(t *testing.T) {
	key := testKey("example.org")
	sess := New(key)

	errCh := make(chan error, 1)
	sess.Subscribe(func(s *UpstreamSession, err error) {
		errCh <- err
	})

	sess.Fail(net.ErrClosed)

	got := <-errCh
	if got == nil {
		t.Fatalf("expected non-nil error from failed session")
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected closed state after Fail")
	}
}

func TestAliasableForRequiresMatchingChainAndPrivacy(t *testing.T) {
	key := testKey("example.org")
	sess := New(key)
	local, remote := net.Pipe()
	defer remote.Close()
	sess.MarkReady(local, "tls", nil, true)

	diffPrivacy := key
	diffPrivacy.Privacy = true
	if sess.AliasableFor(diffPrivacy) {
		t.Fatalf("privacy mismatch must not be aliasable")
	}

	diffChain := key
	diffChain.Chain = endpoint.ProxyChain{{Scheme: endpoint.SchemeTLS, Host: "p", Port: 443}}
	if sess.AliasableFor(diffChain) {
		t.Fatalf("chain mismatch must not be aliasable")
	}

	// No peer certs recorded: must not be aliasable for any host, including
	// the exact same key, since AliasableFor is for the alias path, not the
	// exact-match path.
	if sess.AliasableFor(key) {
		t.Fatalf("session without peer certs must not be aliasable")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	key := testKey("example.org")
	sess := New(key)
	local, remote := net.Pipe()
	defer remote.Close()
	sess.MarkReady(local, "tls", nil, true)

	sess.Close()
	sess.Close()

	if sess.State() != StateClosed {
		t.Fatalf("expected closed state")
	}
}

func TestOpenStreamRequiresReady(t *testing.T) {
	key := testKey("example.org")
	sess := New(key)

	if _, ok := sess.OpenStream(); ok {
		t.Fatalf("handshake-pending session must not allow OpenStream")
	}

	local, remote := net.Pipe()
	defer remote.Close()
	sess.MarkReady(local, "tls", nil, true)

	id1, ok := sess.OpenStream()
	if !ok || id1 == 0 {
		t.Fatalf("expected a nonzero stream id, got %d ok=%v", id1, ok)
	}
	id2, ok := sess.OpenStream()
	if !ok || id2 == id1 {
		t.Fatalf("expected distinct stream ids")
	}
	if sess.OpenStreamCount() != 2 {
		t.Fatalf("expected 2 open streams, got %d", sess.OpenStreamCount())
	}
}

func TestSingleStreamSessionCapsAtOneOpenStream(t *testing.T) {
	key := testKey("example.org")
	sess := New(key)
	local, remote := net.Pipe()
	defer remote.Close()
	sess.MarkReady(local, "tcp", nil, false)

	if _, ok := sess.OpenStream(); !ok {
		t.Fatalf("expected first stream to open on a single-stream session")
	}
	if _, ok := sess.OpenStream(); ok {
		t.Fatalf("expected a single-stream session to refuse a second concurrent stream")
	}
	sess.CloseStream()
	if _, ok := sess.OpenStream(); !ok {
		t.Fatalf("expected a new stream to open once the prior one closed")
	}
}
