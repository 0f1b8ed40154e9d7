// Package api serves the read-only karma endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-karma/types"
)

const defaultLeaderboardLimit = 10

// Ledger is the part of karma.Ledger the endpoints read from.
type Ledger interface {
	Total(ctx context.Context, userId string) (int64, error)
	History(ctx context.Context, userId string, limit int, cursor string) (types.HistoryPage, error)
}

// Leaderboard is the part of karma.Leaderboard the endpoints read from.
type Leaderboard interface {
	Top(ctx context.Context, n int) ([]types.LeaderboardEntry, error)
	Rank(ctx context.Context, userId string) (types.LeaderboardEntry, error)
}

type Handlers struct {
	ledger      Ledger
	leaderboard Leaderboard
	logger      hclog.Logger
}

func NewHandlers(ledger Ledger, leaderboard Leaderboard, logger hclog.Logger) *Handlers {
	return &Handlers{ledger: ledger, leaderboard: leaderboard, logger: logger}
}

// Register adds the karma routes to router.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/leaderboard", h.leaderboardHandler).Methods(http.MethodGet)
	router.HandleFunc("/leaderboard/{userId}", h.rankHandler).Methods(http.MethodGet)
	router.HandleFunc("/karma/total", h.totalHandler).Methods(http.MethodGet)
	router.HandleFunc("/karma/history", h.historyHandler).Methods(http.MethodGet)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handlers) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLeaderboardLimit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.leaderboard.Top(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *Handlers) rankHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := h.leaderboard.Rank(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handlers) totalHandler(w http.ResponseWriter, r *http.Request) {
	userId := r.URL.Query().Get("userId")
	if userId == "" {
		h.writeError(w, types.Validationf("missing userId"))
		return
	}
	total, err := h.ledger.Total(r.Context(), userId)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, types.KarmaTotal{UserId: userId, Total: total})
}

func (h *Handlers) historyHandler(w http.ResponseWriter, r *http.Request) {
	vals := r.URL.Query()
	userId := vals.Get("userId")
	if userId == "" {
		h.writeError(w, types.Validationf("missing userId"))
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page, err := h.ledger.History(r.Context(), userId, limit, vals.Get("cursor"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if page.Events == nil {
		page.Events = []types.KarmaEvent{}
	}
	h.writeJSON(w, http.StatusOK, page)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.Validationf("%s must be an integer", name)
	}
	return n, nil
}

// StatusCode maps err onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, types.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, errorResponse{Code: types.ErrorCode(err), Message: err.Error()})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("could not write response", "error", err)
	}
}
