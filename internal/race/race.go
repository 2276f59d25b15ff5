// Package race implements the Transport-Race Controller (spec §4.3): for a
// given origin, decide whether to race an Alt-Service-advertised transport
// against the primary, and record the outcome back into the Alt-Service
// Registry.
//
// The race-then-discard-loser shape is grounded on
// internal/outbound/manager.go's EnsureNodeOutbound ("first build wins, loser
// is discarded"), generalized from a single CAS slot to a two-goroutine race
// with explicit cancellation of whichever dial does not win. The
// confirmation-mode probe is internal/probe/fetcher.go's DirectFetcher
// adapted to run over an already-dialed stream instead of issuing its own
// HTTP round trip.
package race

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/session"
	"github.com/resinat/tunnelcore/internal/wireerr"
)

// ConfirmProbe performs an application-level probe over a freshly-dialed
// session before user data is forwarded on it (spec §4.3 "Confirmation
// mode"). Returning a non-nil error reverts the race to the primary.
type ConfirmProbe func(ctx context.Context, sess *session.UpstreamSession) error

// Dial is the subset of *dialer.Dialer the Controller needs; satisfied by
// *dialer.Dialer, narrowed for testability with fakes.
type Dial interface {
	Dial(ctx context.Context, key endpoint.SessionKey, chain []dialer.ChainHop) (*session.UpstreamSession, uint64, *wireerr.WireError)
}

// Controller is the Transport-Race Controller of spec §4.3.
type Controller struct {
	registry    *altsvc.Registry
	dialer      Dial
	localVers   []string
	probe       ConfirmProbe
	requireConf func() bool
}

// Config configures a Controller.
type Config struct {
	Registry *altsvc.Registry
	Dialer   Dial
	// LocalVersions is the set of protocol tags this process can speak as an
	// alternative transport (e.g. "h3", "h3-29").
	LocalVersions []string
	// Probe runs the confirmation-mode check; nil disables confirmation
	// mode regardless of RequireConfirmation.
	Probe ConfirmProbe
	// RequireConfirmation mirrors RuntimeConfig.require_confirmation; read
	// per-race to support hot-reload.
	RequireConfirmation func() bool
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	return &Controller{
		registry:    cfg.Registry,
		dialer:      cfg.Dialer,
		localVers:   cfg.LocalVersions,
		probe:       cfg.Probe,
		requireConf: cfg.RequireConfirmation,
	}
}

type raceResult struct {
	sess  *session.UpstreamSession
	id    uint64
	entry *altsvc.Entry // nil for the primary
	err   *wireerr.WireError
}

// Race runs spec §4.3's algorithm for one origin/target dial. chain is the
// Proxy Chain used to reach the primary transport; alternative transports
// are dialed directly to their advertised Endpoint (no chain — Alt-Svc
// advertisements are origin-scoped, not chain-scoped).
func (c *Controller) Race(ctx context.Context, origin endpoint.Origin, target endpoint.SessionKey, chain []dialer.ChainHop) (*session.UpstreamSession, uint64, *wireerr.WireError) {
	usable := c.registry.Usable(origin, c.localVers, false)
	if len(usable) == 0 {
		return c.dialer.Dial(ctx, target, chain)
	}

	alt := usable[0]
	altKey := target
	altKey.Destination = alt.Service.Target

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resCh := make(chan raceResult, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sess, id, werr := c.dialer.Dial(raceCtx, target, chain)
		resCh <- raceResult{sess: sess, id: id, entry: nil, err: werr}
	}()
	go func() {
		defer wg.Done()
		sess, id, werr := c.dialer.Dial(raceCtx, altKey, nil)
		resCh <- raceResult{sess: sess, id: id, entry: alt, err: werr}
	}()

	go func() {
		wg.Wait()
		close(resCh)
	}()

	var primaryErr, altErr *wireerr.WireError
	var winner *raceResult

	for res := range resCh {
		res := res
		if res.err != nil {
			if res.entry == nil {
				primaryErr = res.err
			} else {
				altErr = res.err
				c.recordAltFailure(res.entry, res.err)
			}
			if primaryErr != nil && altErr != nil {
				return nil, 0, primaryErr
			}
			continue
		}

		winner = &res
		cancel() // tear down the loser's in-flight dial; no brokenness recorded for it
		break
	}

	if winner == nil {
		if primaryErr != nil {
			return nil, 0, primaryErr
		}
		return nil, 0, altErr
	}

	if winner.entry != nil && c.confirmationRequired() {
		if err := c.probe(ctx, winner.sess); err != nil {
			winner.entry.MarkRecentlyBroken()
			winner.sess.CloseStream()
			return c.dialer.Dial(ctx, target, chain)
		}
	}

	if winner.entry != nil {
		winner.entry.Confirm()
	}

	return winner.sess, winner.id, nil
}

func (c *Controller) confirmationRequired() bool {
	return c.probe != nil && c.requireConf != nil && c.requireConf()
}

// recordAltFailure maps a confirmed alternative-transport failure onto
// mark_broken per spec §4.3 step 5 ("handshake timeout, protocol error,
// network unreachable after RTO escalation, explicit reset").
func (c *Controller) recordAltFailure(entry *altsvc.Entry, err *wireerr.WireError) {
	if isCancellation(err) {
		return
	}
	entry.MarkBroken()
}

func isCancellation(err *wireerr.WireError) bool {
	return err != nil && err.Code == wireerr.Aborted
}

// ConnectConfirm builds a ConfirmProbe that checks the already-established
// session's state: it returns nil if the session is ready and an error
// otherwise. It opens no stream, exchanges no bytes with the upstream and
// does not wait; timeout only bounds the probe context.
func ConnectConfirm(timeout time.Duration) ConfirmProbe {
	return func(ctx context.Context, sess *session.UpstreamSession) error {
		if sess == nil {
			return fmt.Errorf("race: confirm probe on nil session")
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		select {
		case <-probeCtx.Done():
			if sess.State() == session.StateReady {
				return nil
			}
			return probeCtx.Err()
		default:
			if sess.State() == session.StateReady {
				return nil
			}
			return fmt.Errorf("race: session not ready for confirmation probe")
		}
	}
}
