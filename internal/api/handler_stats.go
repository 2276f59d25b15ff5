package api

import (
	"net/http"

	"github.com/resinat/tunnelcore/internal/forward"
)

// HandleStats handles GET /api/v1/stats, returning the Facade's live
// snapshot (spec §4.7's stats: active/total connections, byte counters,
// session pool size, broken alt-service entry count).
func HandleStats(facade *forward.Facade) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, facade.Stats())
	})
}
