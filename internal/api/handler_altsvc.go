package api

import (
	"net/http"
	"time"

	"github.com/resinat/tunnelcore/internal/altsvc"
)

type altServiceEntryView struct {
	OriginHost          string   `json:"origin_host"`
	OriginPort          int      `json:"origin_port"`
	TargetHost          string   `json:"target_host"`
	TargetPort          int      `json:"target_port"`
	ProtocolTag         string   `json:"protocol_tag"`
	Versions            []string `json:"versions"`
	Expiration          string   `json:"expiration"`
	Broken              bool     `json:"broken"`
	BrokenUntil         string   `json:"broken_until,omitempty"`
	BrokenCount         int      `json:"broken_count"`
	RecentlyBrokenCount int      `json:"recently_broken_count"`
}

// HandleListAltServiceEntries handles GET /api/v1/altsvc, snapshotting the
// Alt-Service Registry (spec §4.4) via Registry.Range.
func HandleListAltServiceEntries(registry *altsvc.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		views := make([]altServiceEntryView, 0)
		registry.Range(func(e *altsvc.Entry) bool {
			v := altServiceEntryView{
				OriginHost:          e.Origin.Host,
				OriginPort:          int(e.Origin.Port),
				TargetHost:          e.Service.Target.Host,
				TargetPort:          int(e.Service.Target.Port),
				ProtocolTag:         e.Service.ProtocolTag,
				Versions:            make([]string, 0, len(e.Versions)),
				Expiration:          e.Expiration.UTC().Format(time.RFC3339Nano),
				Broken:              e.IsBroken(),
				BrokenCount:         e.BrokenCount(),
				RecentlyBrokenCount: e.RecentlyBrokenCount(),
			}
			for tag := range e.Versions {
				v.Versions = append(v.Versions, tag)
			}
			if until := e.BrokenUntil(); !until.IsZero() {
				v.BrokenUntil = until.UTC().Format(time.RFC3339Nano)
			}
			views = append(views, v)
			return true
		})

		WriteJSON(w, http.StatusOK, map[string]any{"items": views})
	})
}
