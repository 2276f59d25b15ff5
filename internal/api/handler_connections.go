package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/resinat/tunnelcore/internal/forward"
	"github.com/resinat/tunnelcore/internal/requestlog"
)

// HandleCancelConnection handles DELETE /api/v1/connections/{id}, forcing
// closure of an in-flight Forward Connection (spec §4.7's cancel).
func HandleCancelConnection(facade *forward.Facade) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "id", "id")
		if !ok {
			return
		}
		if !facade.Cancel(id) {
			writeNotFound(w, "no in-flight connection with that id")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

type connectionLogView struct {
	ID            string `json:"id"`
	Ts            string `json:"ts"`
	ClientIP      string `json:"client_ip"`
	TargetScheme  string `json:"target_scheme"`
	TargetHost    string `json:"target_host"`
	TargetPort    int    `json:"target_port"`
	ChainHopCount int    `json:"chain_hop_count"`
	Privacy       bool   `json:"privacy"`
	DurationMs    int64  `json:"duration_ms"`
	NetOK         bool   `json:"net_ok"`
	TerminalCode  string `json:"terminal_code"`
	BytesC2S      int64  `json:"bytes_client_server"`
	BytesS2C      int64  `json:"bytes_server_client"`
}

func toConnectionLogView(s requestlog.LogSummary) connectionLogView {
	return connectionLogView{
		ID:            s.ID,
		Ts:            time.Unix(0, s.TsNs).UTC().Format(time.RFC3339Nano),
		ClientIP:      s.ClientIP,
		TargetScheme:  s.TargetScheme,
		TargetHost:    s.TargetHost,
		TargetPort:    s.TargetPort,
		ChainHopCount: s.ChainHopCount,
		Privacy:       s.Privacy,
		DurationMs:    s.DurationNs / int64(time.Millisecond),
		NetOK:         s.NetOK,
		TerminalCode:  s.TerminalCode,
		BytesC2S:      s.BytesC2S,
		BytesS2C:      s.BytesS2C,
	}
}

// HandleListConnectionLogs handles GET /api/v1/connections. Query params:
// target_host, fuzzy, terminal_code, net_ok, before, after (unix nanoseconds),
// limit, cursor ("ts_ns:id").
func HandleListConnectionLogs(repo *requestlog.Repo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		netOK, ok := parseBoolQueryOrWriteInvalid(w, r, "net_ok")
		if !ok {
			return
		}
		fuzzy, ok := parseBoolQueryOrWriteInvalid(w, r, "fuzzy")
		if !ok {
			return
		}
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}

		f := requestlog.ListFilter{
			TargetHost:   q.Get("target_host"),
			Fuzzy:        fuzzy != nil && *fuzzy,
			TerminalCode: q.Get("terminal_code"),
			NetOK:        netOK,
			Limit:        pg.Limit,
		}

		if v := q.Get("before"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeInvalidArgument(w, "before: must be an integer unix nanosecond timestamp")
				return
			}
			f.Before = n
		}
		if v := q.Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeInvalidArgument(w, "after: must be an integer unix nanosecond timestamp")
				return
			}
			f.After = n
		}
		if v := q.Get("cursor"); v != "" {
			parts := strings.SplitN(v, ":", 2)
			if len(parts) != 2 {
				writeInvalidArgument(w, "cursor: malformed")
				return
			}
			ts, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				writeInvalidArgument(w, "cursor: malformed")
				return
			}
			f.Cursor = &requestlog.ListCursor{TsNs: ts, ID: parts[1]}
		}

		rows, hasMore, next, err := repo.List(f)
		if err != nil {
			writeInternal(w, err)
			return
		}

		items := make([]connectionLogView, 0, len(rows))
		for _, row := range rows {
			items = append(items, toConnectionLogView(row))
		}

		resp := map[string]any{"items": items, "has_more": hasMore}
		if next != nil {
			resp["next_cursor"] = strconv.FormatInt(next.TsNs, 10) + ":" + next.ID
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

// HandleGetConnectionLog handles GET /api/v1/connections/{id}/log.
func HandleGetConnectionLog(repo *requestlog.Repo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "id", "id")
		if !ok {
			return
		}

		row, err := repo.GetByID(id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		if row == nil {
			writeNotFound(w, "no connection log with that id")
			return
		}
		WriteJSON(w, http.StatusOK, toConnectionLogView(*row))
	})
}
