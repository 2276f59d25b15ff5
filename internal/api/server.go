package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resinat/tunnelcore/internal/altsvc"
	"github.com/resinat/tunnelcore/internal/forward"
	"github.com/resinat/tunnelcore/internal/requestlog"
)

// Server wraps the HTTP control-plane server and mux.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new control-plane API server wired with all routes.
// requestlogRepo may be nil if connection-log querying is not enabled.
// metricsRegistry may be nil to omit the /metrics route entirely.
func NewServer(
	port int,
	adminToken string,
	facade *forward.Facade,
	registry *altsvc.Registry,
	apiMaxBodyBytes int64,
	requestlogRepo *requestlog.Repo,
	metricsRegistry *prometheus.Registry,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())
	if metricsRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	}

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/stats", HandleStats(facade))
	authed.Handle("GET /api/v1/altsvc", HandleListAltServiceEntries(registry))
	authed.Handle("DELETE /api/v1/connections/{id}", HandleCancelConnection(facade))

	if requestlogRepo != nil {
		authed.Handle("GET /api/v1/connections", HandleListConnectionLogs(requestlogRepo))
		authed.Handle("GET /api/v1/connections/{id}/log", HandleGetConnectionLog(requestlogRepo))
	}

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
