package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cam3ron2/github-quest/internal/aggregate"
	"github.com/cam3ron2/github-quest/internal/progress"
	"github.com/cam3ron2/github-quest/internal/refresh"
	"github.com/cam3ron2/github-quest/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultLeaderboardLimit = 25
	maxLeaderboardLimit     = store.DefaultLeaderboardLimit
	defaultProgressPoll     = 500 * time.Millisecond
)

// Refresher queues background refreshes. *refresh.Dispatcher satisfies it.
type Refresher interface {
	Enqueue(ctx context.Context, req refresh.Request) (refresh.Job, error)
}

// API serves the user-facing JSON and progress endpoints.
type API struct {
	stats     store.StatsStore
	refresher Refresher
	board     progress.Board
	logger    *zap.Logger

	// ProgressPoll is how often a progress stream rereads the board.
	ProgressPoll time.Duration
}

// NewAPI creates the API handlers.
func NewAPI(stats store.StatsStore, refresher Refresher, board progress.Board, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		stats:        stats,
		refresher:    refresher,
		board:        board,
		logger:       logger,
		ProgressPoll: defaultProgressPoll,
	}
}

// GetStats returns the stored record of a user.
func (a *API) GetStats(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	record, found, err := a.stats.GetStats(r.Context(), username)
	if err != nil {
		a.logger.Error("reading stats failed", zap.String("username", username), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	if !found {
		respondWithError(w, http.StatusNotFound, "no stats for "+username)
		return
	}
	respondWithJSON(w, http.StatusOK, record)
}

// RequestRefresh queues a refresh of a user.
func (a *API) RequestRefresh(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	timeRange, err := aggregate.ParseTimeRange(r.URL.Query().Get("range"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := a.refresher.Enqueue(r.Context(), refresh.Request{
		Username: username,
		Range:    timeRange,
		Orgs:     r.URL.Query()["org"],
	})
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusAccepted, job)
	case errors.Is(err, refresh.ErrAlreadyRunning):
		respondWithError(w, http.StatusConflict, "a refresh is already running for "+username)
	case errors.Is(err, refresh.ErrQueueFull), errors.Is(err, refresh.ErrRateLimited):
		w.Header().Set("Retry-After", "30")
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("queueing refresh failed", zap.String("username", username), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to queue refresh")
	}
}

// Leaderboard returns the top users by points.
func (a *API) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := getIntQueryParam(r, "limit", defaultLeaderboardLimit)
	if err != nil || limit <= 0 || limit > maxLeaderboardLimit {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLeaderboardLimit))
		return
	}
	records, err := a.stats.Leaderboard(r.Context(), limit)
	if err != nil {
		a.logger.Error("reading leaderboard failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to read leaderboard")
		return
	}
	respondWithJSON(w, http.StatusOK, records)
}

// StreamProgress streams the latest progress event of a user as server-sent
// events until a terminal stage is sent or the client goes away. The client
// leaving never cancels the aggregation itself.
func (a *API) StreamProgress(w http.ResponseWriter, r *http.Request) {
	username := store.NormalizeUsername(chi.URLParam(r, "username"))
	ctx := r.Context()

	detach, err := a.board.Attach(ctx, username)
	if err != nil {
		a.logger.Warn("attaching progress listener failed", zap.String("username", username), zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "progress is unavailable")
		return
	}
	defer detach()

	controller := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = controller.Flush()

	poll := a.ProgressPoll
	if poll <= 0 {
		poll = defaultProgressPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last progress.Event
	sent := false
	for {
		event, ok, err := a.board.Latest(ctx, username)
		if err != nil {
			a.logger.Debug("reading progress failed", zap.String("username", username), zap.Error(err))
		}
		if ok && (!sent || !sameEvent(event, last)) {
			if err := writeEvent(w, event); err != nil {
				return
			}
			if err := controller.Flush(); err != nil {
				return
			}
			last, sent = event, true
			if event.Stage.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sameEvent(a, b progress.Event) bool {
	return a.Stage == b.Stage &&
		a.Completed == b.Completed &&
		a.Total == b.Total &&
		a.Detail == b.Detail &&
		a.Org == b.Org &&
		a.At.Equal(b.At)
}

func writeEvent(w http.ResponseWriter, event progress.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
	return err
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func getIntQueryParam(r *http.Request, param string, defaultValue int) (int, error) {
	value := r.URL.Query().Get(param)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
