package watchdog

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/marmos91/efsmount/pkg/tunnel"
)

// defaultHistoryLimit bounds the transitions returned by the API.
const defaultHistoryLimit = 50

// StatusHandler serves the supervised tunnels as JSON:
//
//	GET /status                 every tunnel
//	GET /status/{id}            one tunnel
//	GET /status/{id}/history    its recent transitions (?limit=N)
func StatusHandler(m *Manager) http.Handler {
	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tunnels": m.Statuses()})
	})

	r.Get("/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, ok := m.Status(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, http.StatusNotFound, "tunnel not found")
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Get("/status/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		entries, err := m.History(id, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entries == nil {
			entries = []Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "transitions": entries})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func sortStatuses(statuses []tunnel.Status) {
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].MountPoint != statuses[j].MountPoint {
			return statuses[i].MountPoint < statuses[j].MountPoint
		}
		return statuses[i].ID < statuses[j].ID
	})
}
