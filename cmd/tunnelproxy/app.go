package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/api"
	"github.com/resinat/tunnelcore/internal/chainconfig"
	"github.com/resinat/tunnelcore/internal/config"
	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/forward"
	"github.com/resinat/tunnelcore/internal/metrics"
	"github.com/resinat/tunnelcore/internal/netutil"
	"github.com/resinat/tunnelcore/internal/outbound"
	"github.com/resinat/tunnelcore/internal/race"
	"github.com/resinat/tunnelcore/internal/requestlog"
	"github.com/resinat/tunnelcore/internal/retry"
	"github.com/resinat/tunnelcore/internal/session"
	"github.com/resinat/tunnelcore/internal/state"
)

// tunnelApp is the composition root wiring every SPEC_FULL.md module
// together, grounded on cmd/resin/app_runtime.go's resinApp: a struct built
// in distinct phases (persistence -> domain collaborators -> observability
// -> network servers -> background services), with explicit
// startServers/waitForShutdown/shutdown lifecycle methods rather than
// main.go's inline monolith.
type tunnelApp struct {
	envCfg *config.EnvConfig

	engine   *state.StateEngine
	db       func() error // closes the persistence DB
	registry *altsvc.Registry

	chainLoader *chainconfig.Loader
	remoteSync  *chainconfig.RemoteSync

	outboundBuilder *outbound.SingboxBuilder
	sessionPool     *session.Pool
	dial            *dialer.Dialer
	raceCtrl        *race.Controller
	raceDial        *raceDialAdapter
	facade          *forward.Facade

	requestlogRepo *requestlog.Repo
	requestlogSvc  *requestlog.Service

	collector       *metrics.Collector
	promCollector   *metrics.PrometheusCollector
	metricsRegistry *prometheus.Registry

	apiSrv      *api.Server
	inboundSrv  *inboundServer
	inboundLn   net.Listener
	flushWorker *state.CacheFlushWorker

	watchCancel context.CancelFunc
}

func newTunnelApp(envCfg *config.EnvConfig) (*tunnelApp, error) {
	a := &tunnelApp{envCfg: envCfg}

	engine, db, err := state.PersistenceBootstrap(envCfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("persistence bootstrap: %w", err)
	}
	a.engine = engine
	a.db = db.Close

	a.registry = altsvc.NewRegistry()
	a.registry.SetDirtyNotifier(engine)
	if err := a.bootstrapAltSvc(); err != nil {
		_ = a.db()
		return nil, fmt.Errorf("altsvc bootstrap: %w", err)
	}

	if err := a.initDialStack(); err != nil {
		_ = a.db()
		return nil, fmt.Errorf("dial stack: %w", err)
	}

	if err := a.initChainConfig(); err != nil {
		_ = a.db()
		return nil, fmt.Errorf("chain config: %w", err)
	}

	if err := a.initObservability(); err != nil {
		_ = a.db()
		return nil, fmt.Errorf("observability: %w", err)
	}

	a.facade = forward.New(forward.Config{
		Dialer:   a.raceDial,
		Sessions: a.sessionPool,
		AltSvc:   a.registry,
	})

	if err := a.initServers(); err != nil {
		_ = a.db()
		return nil, fmt.Errorf("servers: %w", err)
	}

	a.startBackgroundServices()
	return a, nil
}

// bootstrapAltSvc rehydrates the Alt-Service Registry from altsvc.db, the
// counterpart of the teacher's bootstrapNodes/bootstrapTopology persistence
// replay.
func (a *tunnelApp) bootstrapAltSvc() error {
	entryRows, err := a.engine.LoadAllEntries()
	if err != nil {
		return err
	}
	brokenRows, err := a.engine.LoadAllBrokenness()
	if err != nil {
		return err
	}
	a.registry.LoadSnapshot(entryRows, brokenRows)
	log.Printf("alt-service registry: restored %d entries, %d brokenness rows", len(entryRows), len(brokenRows))
	return nil
}

func (a *tunnelApp) initChainConfig() error {
	loader, err := chainconfig.NewLoader(a.envCfg.ChainManifestPath)
	if err != nil {
		return err
	}
	a.chainLoader = loader

	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	go func() {
		if err := loader.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("chain manifest watch stopped: %v", err)
		}
	}()

	if a.envCfg.ChainManifestRemoteURL != "" {
		downloader := &netutil.RetryDownloader{
			Direct:     netutil.NewDirectDownloader(a.envCfg.DialTimeout),
			HopPicker:  a.manifestFallbackHop,
			ProxyFetch: a.fetchViaChainHop,
		}
		a.remoteSync = chainconfig.NewRemoteSync(loader, downloader, a.envCfg.ChainManifestRemoteURL, a.envCfg.ChainManifestSchedule)
		if err := a.remoteSync.Start(context.Background()); err != nil {
			return fmt.Errorf("start chain manifest remote sync: %w", err)
		}
	}
	return nil
}

// manifestFallbackHop picks a hop to retry the manifest fetch through when
// the direct fetch fails: whatever hop the last successfully loaded
// manifest already resolves for the manifest host itself.
func (a *tunnelApp) manifestFallbackHop(target string) (dialer.ChainHop, error) {
	u, err := url.Parse(target)
	if err != nil {
		return dialer.ChainHop{}, fmt.Errorf("parse manifest URL: %w", err)
	}
	port := uint16(443)
	if u.Scheme == "http" {
		port = 80
	}
	hops, ok := a.chainLoader.Resolve(endpoint.Endpoint{Scheme: endpoint.SchemeTLS, Host: u.Hostname(), Port: port})
	if !ok || len(hops) == 0 {
		return dialer.ChainHop{}, fmt.Errorf("no chain hop resolves for %s", u.Hostname())
	}
	return hops[0], nil
}

// fetchViaChainHop builds a one-shot outbound for hop and performs the GET
// through it, bypassing the session pool since this is a single best-effort
// fetch rather than a tunneled connection.
func (a *tunnelApp) fetchViaChainHop(ctx context.Context, hop dialer.ChainHop, target string) ([]byte, error) {
	ob, err := a.outboundBuilder.Build(hop.Options)
	if err != nil {
		return nil, fmt.Errorf("build fallback outbound: %w", err)
	}
	body, _, err := netutil.HTTPGetViaOutbound(ctx, ob, target, netutil.OutboundHTTPOptions{RequireStatusOK: true})
	return body, err
}

func (a *tunnelApp) initDialStack() error {
	builder, err := outbound.NewSingboxBuilder()
	if err != nil {
		return fmt.Errorf("singbox builder: %w", err)
	}
	a.outboundBuilder = builder

	a.sessionPool = session.NewPool(a.envCfg.SessionIdleEvictInterval)

	retryMgr := retry.NewManager()

	d := dialer.New(newSingboxOutboundAdapter(builder), a.sessionPool, retryMgr)
	d.SetAltSvcRecorder(a.registry)
	a.dial = d

	runtimeCfg := config.NewDefaultRuntimeConfig()

	a.raceCtrl = race.New(race.Config{
		Registry:            a.registry,
		Dialer:              d,
		LocalVersions:       []string{"h3"},
		RequireConfirmation: func() bool { return runtimeCfg.RequireConfirmation },
	})
	a.raceDial = &raceDialAdapter{controller: a.raceCtrl}
	return nil
}

func (a *tunnelApp) initObservability() error {
	a.requestlogRepo = requestlog.NewRepo(a.envCfg.LogDir, int64(a.envCfg.RequestLogDBMaxMB)<<20, a.envCfg.RequestLogDBRetainCount)
	if err := a.requestlogRepo.Open(); err != nil {
		return fmt.Errorf("open request log repo: %w", err)
	}
	a.requestlogSvc = requestlog.NewService(requestlog.ServiceConfig{
		Repo:          a.requestlogRepo,
		QueueSize:     a.envCfg.RequestLogQueueSize,
		FlushBatch:    a.envCfg.RequestLogQueueFlushBatchSize,
		FlushInterval: a.envCfg.RequestLogQueueFlushInterval,
	})
	a.requestlogSvc.Start()

	a.collector = metrics.NewCollector(0, 0)
	a.promCollector = metrics.NewPrometheusCollector(a.collector, a.gaugeSnapshot)
	a.metricsRegistry = prometheus.NewRegistry()
	if err := a.metricsRegistry.Register(a.promCollector); err != nil {
		return fmt.Errorf("register prometheus collector: %w", err)
	}
	return nil
}

func (a *tunnelApp) gaugeSnapshot() metrics.GaugeSnapshot {
	stats := a.facade.Stats()
	return metrics.GaugeSnapshot{
		ActiveConnections:       stats.ActiveConnections,
		SessionPoolSize:         stats.SessionPoolSize,
		BrokenAltServiceEntries: stats.BrokenAltServiceEntries,
	}
}

func (a *tunnelApp) initServers() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.envCfg.ListenAddress, strconv.Itoa(a.envCfg.ListenPort)))
	if err != nil {
		return fmt.Errorf("listen %s:%d: %w", a.envCfg.ListenAddress, a.envCfg.ListenPort, err)
	}
	a.inboundLn = ln
	a.inboundSrv = newInboundServer(ln, a.facade, a.resolveChain, a.collector, a.requestlogSvc, a.envCfg.ProxyToken)

	a.apiSrv = api.NewServer(
		a.envCfg.APIListenPort,
		a.envCfg.AdminToken,
		a.facade,
		a.registry,
		int64(a.envCfg.APIMaxBodyBytes),
		a.requestlogRepo,
		a.metricsRegistry,
	)
	return nil
}

// resolveChain resolves a target endpoint against the current chain
// manifest. A manifest that matched nothing returns a nil chain, the same
// as a manifest that matched an explicit direct policy: spec §3 defines an
// empty chain as a direct connection either way.
func (a *tunnelApp) resolveChain(target endpoint.Endpoint) []dialer.ChainHop {
	hops, _ := a.chainLoader.Resolve(target)
	return hops
}

func (a *tunnelApp) startBackgroundServices() {
	flushReaders := newFlushReaders(a.registry)
	a.flushWorker = state.NewCacheFlushWorker(
		a.engine,
		flushReaders,
		func() int { return a.envCfg.StateFlushDirtyThreshold },
		func() time.Duration { return a.envCfg.StateFlushInterval },
		5*time.Second,
	)
	a.flushWorker.Start()

	stopCh := make(chan struct{})
	go a.sessionPool.RunIdleSweep(stopCh)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			a.registry.Purge()
		}
	}()
}

func (a *tunnelApp) startServers() <-chan error {
	errCh := make(chan error, 2)
	report := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case errCh <- wrapped:
		default:
		}
	}

	go func() {
		log.Printf("tunnelproxy listening on %s:%d", a.envCfg.ListenAddress, a.envCfg.ListenPort)
		report("inbound server", a.inboundSrv.Serve())
	}()
	go func() {
		log.Printf("tunnelproxy control API listening on :%d", a.envCfg.APIListenPort)
		report("api server", a.apiSrv.ListenAndServe())
	}()

	return errCh
}

func waitForShutdown(errCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down", sig)
		return nil
	case err := <-errCh:
		log.Printf("server runtime error (%v), shutting down", err)
		return err
	}
}

func (a *tunnelApp) shutdown(ctx context.Context) {
	_ = a.inboundSrv.Close()
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("api server shutdown: %v", err)
	}

	if a.remoteSync != nil {
		a.remoteSync.Stop()
	}
	if a.watchCancel != nil {
		a.watchCancel()
	}

	a.flushWorker.Stop()
	log.Println("state flush worker stopped")

	a.requestlogSvc.Stop()
	if err := a.requestlogRepo.Close(); err != nil {
		log.Printf("request log repo close: %v", err)
	}
	log.Println("request log service stopped")

	a.sessionPool.CloseAll()
	if err := a.outboundBuilder.Close(); err != nil {
		log.Printf("outbound builder close: %v", err)
	}

	if err := a.db(); err != nil {
		log.Printf("persistence close error: %v", err)
	}
}
