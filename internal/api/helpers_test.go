package api

import (
	"context"
	"errors"
	"testing"

	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/forward"
	"github.com/resinat/tunnelcore/internal/session"
	"github.com/resinat/tunnelcore/internal/wireerr"
)

const testAdminToken = "test-admin-token"

// stubDialer always fails the dial immediately, which is all these handler
// tests need: none of them exercise Facade.Begin, only Stats/Cancel.
type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, key endpoint.SessionKey, chain []dialer.ChainHop) (*session.UpstreamSession, uint64, *wireerr.WireError) {
	return nil, 0, wireerr.New(wireerr.ConnectionFailed, errors.New("stub dialer always fails"))
}

func newTestFacade() *forward.Facade {
	return forward.New(forward.Config{
		Dialer:   stubDialer{},
		Sessions: session.NewPool(0),
		AltSvc:   altsvc.NewRegistry(),
	})
}

func newTestServer(t *testing.T) (*Server, *forward.Facade, *altsvc.Registry) {
	t.Helper()
	facade := newTestFacade()
	registry := altsvc.NewRegistry()
	srv := NewServer(0, testAdminToken, facade, registry, 1<<20, nil, nil)
	return srv, facade, registry
}
