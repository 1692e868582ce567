package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chatxp/backend/db"
	"github.com/onnwee/chatxp/backend/experience"
	"github.com/onnwee/chatxp/backend/stream"
	"github.com/onnwee/chatxp/backend/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	ctx        context.Context
	aggregator *stream.Aggregator
	experience *db.ExperienceStore
	tuning     experience.Tuning
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, dbc *sql.DB) *Handlers {
	return &Handlers{
		db:         dbc,
		ctx:        ctx,
		aggregator: &stream.Aggregator{Store: &db.LivestreamStore{DB: dbc}},
		experience: &db.ExperienceStore{DB: dbc},
		tuning:     experience.TuningFromEnv(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"schema", func() error {
			var n int
			return h.db.QueryRowContext(r.Context(),
				"SELECT COUNT(*) FROM livestreams WHERE FALSE").Scan(&n)
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports operational state: job heartbeats, kv stats, and the
// number of livestreams currently being polled.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{"time": time.Now().UTC().Format(time.RFC3339)}

	for _, key := range []string{"job_poll_last", "job_chat_retention_last", "avg_retention_delete_ms"} {
		if v, err := db.GetKV(ctx, h.db, key); err == nil && v != "" {
			out[key] = v
		}
	}
	var active int
	if err := h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM livestreams WHERE started_at IS NOT NULL AND ended_at IS NULL").Scan(&active); err == nil {
		out["active_livestreams"] = active
	}
	var chatRows int64
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_messages").Scan(&chatRows); err == nil {
		out["chat_messages"] = chatRows
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleSessions returns the streamer's merged cross-platform session blocks.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	streamerID := r.PathValue("id")
	blocks, err := h.aggregator.GetAggregateLivestreams(r.Context(), streamerID)
	if err != nil {
		h.reportError(w, r, err)
		return
	}
	if blocks == nil {
		blocks = []stream.AggregateLivestream{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamer_id": streamerID, "sessions": blocks})
}

// HandleParticipation answers, per session block, whether any of the given
// users chatted. Users are passed as ?users=a,b,c.
func (h *Handlers) HandleParticipation(w http.ResponseWriter, r *http.Request) {
	streamerID := r.PathValue("id")
	var userIDs []string
	for _, u := range strings.Split(r.URL.Query().Get("users"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			userIDs = append(userIDs, u)
		}
	}
	if len(userIDs) == 0 {
		http.Error(w, "missing users parameter", http.StatusBadRequest)
		return
	}
	parts, err := h.aggregator.GetParticipation(r.Context(), streamerID, userIDs)
	if err != nil {
		h.reportError(w, r, err)
		return
	}
	if parts == nil {
		parts = []stream.AggregateParticipation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamer_id": streamerID, "users": userIDs, "participation": parts})
}

// HandleLeaderboard returns the streamer's top users by XP (?limit=N, default 50).
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	streamerID := r.PathValue("id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := h.experience.Leaderboard(r.Context(), streamerID, limit)
	if err != nil {
		h.reportError(w, r, err)
		return
	}
	if entries == nil {
		entries = []db.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamer_id": streamerID, "leaderboard": entries})
}

// HandleLevel returns one user's XP, level, and progress toward the next level.
func (h *Handlers) HandleLevel(w http.ResponseWriter, r *http.Request) {
	streamerID := r.PathValue("id")
	userID := r.PathValue("user")
	st, err := h.experience.GetState(r.Context(), streamerID, userID)
	if err != nil {
		h.reportError(w, r, err)
		return
	}
	level, progress := h.tuning.Level(st.XP)
	writeJSON(w, http.StatusOK, map[string]any{
		"streamer_id": streamerID,
		"user_id":     userID,
		"xp":          st.XP,
		"level":       level,
		"progress":    progress,
	})
}

// reportError maps domain errors to HTTP statuses. Integrity violations are
// surfaced as 500s with an explicit marker since they need operator action.
func (h *Handlers) reportError(w http.ResponseWriter, r *http.Request, err error) {
	telemetry.LoggerWithCorr(r.Context()).Warn("request failed", "err", err, "path", r.URL.Path)
	if errors.Is(err, stream.ErrIntegrity) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "livestream data integrity violation", "detail": err.Error(),
		})
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}
