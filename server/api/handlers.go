// Package api exposes small HTTP endpoints alongside the websocket gateway:
// operator-facing match history and a liveness check. None of it is on the
// live match path.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"lockstep-server/config"
	"lockstep-server/storage"
)

// Handler holds dependencies for the HTTP endpoints.
type Handler struct {
	Config       *config.Config
	SummaryStore storage.SummaryStore
}

// NewHandler creates a Handler. summaryStore may be nil to disable the
// recent-matches endpoint (it then returns an empty list).
func NewHandler(cfg *config.Config, summaryStore storage.SummaryStore) *Handler {
	return &Handler{Config: cfg, SummaryStore: summaryStore}
}

// CORS sets CORS headers on the response using the configured origin. Call
// before writing a body; returns true if the request was a preflight
// OPTIONS request already fully handled.
func (h *Handler) CORS(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Origin", h.Config.CORS)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// RecentMatches returns the most recently finished matches (operator/ops
// use; not part of the live match path).
func (h *Handler) RecentMatches(w http.ResponseWriter, r *http.Request) {
	if h.CORS(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list := []storage.MatchSummary{}
	if h.SummaryStore != nil {
		var err error
		list, err = h.SummaryStore.ListRecent(r.Context(), limit)
		if err != nil {
			slog.Error("list recent matches", "tag", "api", "err", err)
			http.Error(w, "failed to load matches", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		slog.Error("encode recent matches response", "tag", "api", "err", err)
	}
}

// Healthz is a trivial liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
