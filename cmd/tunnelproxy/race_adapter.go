package main

import (
	"context"

	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/race"
	"github.com/resinat/tunnelcore/internal/session"
	"github.com/resinat/tunnelcore/internal/wireerr"
)

// raceDialAdapter satisfies forward.Dial on top of a Transport-Race
// Controller. The Controller's Race method takes an origin separately from
// the session key because alt-service advertisements are keyed by origin,
// not by the (possibly chained) destination a given request targets; for a
// CONNECT tunnel the origin is simply the tunnel's own destination host.
type raceDialAdapter struct {
	controller *race.Controller
}

func (a *raceDialAdapter) Dial(ctx context.Context, key endpoint.SessionKey, chain []dialer.ChainHop) (*session.UpstreamSession, uint64, *wireerr.WireError) {
	origin := endpoint.Origin{Host: key.Destination.Host, Port: key.Destination.Port}
	return a.controller.Race(ctx, origin, key, chain)
}
