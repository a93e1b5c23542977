// Package api serves the read endpoints the web client calls, plus the
// operational surface: stats, slow queries, recommendations, health, and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/banter/internal/dataaccess"
	"github.com/oriys/banter/internal/metrics"
	"github.com/oriys/banter/internal/store"
)

// TenantHeader carries the caller's tenant. Requests without it fall back
// to the demo tenant.
const TenantHeader = "X-Banter-Tenant"

const defaultTenant = "demo"

// Handler handles HTTP requests over the data access service.
type Handler struct {
	Service *dataaccess.Service
	Store   store.ChatStore
	Started time.Time

	// SlowThreshold is the default for /v1/queries/slow when the request
	// does not override it.
	SlowThreshold time.Duration
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)

	mux.HandleFunc("GET /v1/users/{id}", h.GetUser)
	mux.HandleFunc("GET /v1/users", h.GetUsers)
	mux.HandleFunc("GET /v1/channels/{id}", h.GetChannel)
	mux.HandleFunc("GET /v1/channels/{id}/messages", h.GetChannelMessages)
	mux.HandleFunc("GET /v1/presence/{id}", h.GetPresence)
	mux.HandleFunc("POST /v1/invalidate", h.Invalidate)

	mux.HandleFunc("GET /v1/stats", h.GetStats)
	mux.HandleFunc("GET /v1/queries/slow", h.GetSlowQueries)
	mux.HandleFunc("GET /v1/queries/frequent", h.GetFrequentQueries)
	mux.HandleFunc("GET /v1/recommendations", h.GetRecommendations)

	mux.Handle("GET /metrics", metrics.Handler())
}

func tenantFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(TenantHeader)); t != "" {
		return t
	}
	return defaultTenant
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeOK := h.Store.Ping(ctx) == nil
	status := "ok"
	httpStatus := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status": status,
		"components": map[string]bool{
			"store": storeOK,
		},
		"uptime_seconds": int64(time.Since(h.Started).Seconds()),
	})
}

// GetUser handles GET /v1/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := h.Service.User(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}
	if u.CreatedAt.IsZero() {
		writeError(w, http.StatusNotFound, "not_found", "user "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetUsers handles GET /v1/users?ids=u1,u2
func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing_ids", "ids query parameter is required")
		return
	}
	ids := strings.Split(raw, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}

	users, err := h.Service.Users(r.Context(), tenantFromRequest(r), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// GetChannel handles GET /v1/channels/{id}
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := h.Service.Channel(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}
	if c.CreatedAt.IsZero() {
		writeError(w, http.StatusNotFound, "not_found", "channel "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetChannelMessages handles GET /v1/channels/{id}/messages?limit=50
func (h *Handler) GetChannelMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := h.Service.ChannelMessages(r.Context(), tenantFromRequest(r), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// GetPresence handles GET /v1/presence/{id}
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Presence(r.Context(), tenantFromRequest(r), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type invalidateRequest struct {
	UserID    string   `json:"user_id,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Invalidate handles POST /v1/invalidate
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON payload")
		return
	}
	if req.UserID == "" && req.ChannelID == "" && len(req.Tags) == 0 {
		writeError(w, http.StatusBadRequest, "empty_request", "user_id, channel_id, or tags required")
		return
	}

	removed := 0
	if req.UserID != "" {
		removed += h.Service.InvalidateUser(req.UserID)
	}
	if req.ChannelID != "" {
		removed += h.Service.InvalidateChannel(req.ChannelID)
	}
	for _, tag := range req.Tags {
		removed += h.Service.InvalidateTag(tag)
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Stats())
}

// GetSlowQueries handles GET /v1/queries/slow?threshold_ms=500
func (h *Handler) GetSlowQueries(w http.ResponseWriter, r *http.Request) {
	threshold := h.SlowThreshold
	if threshold <= 0 {
		threshold = time.Second
	}
	if raw := r.URL.Query().Get("threshold_ms"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_threshold", "threshold_ms must be a non-negative integer")
			return
		}
		threshold = time.Duration(n) * time.Millisecond
	}

	stats := h.Service.SlowQueries(threshold)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threshold_ms": threshold.Milliseconds(),
		"queries":      stats,
		"count":        len(stats),
	})
}

// GetFrequentQueries handles GET /v1/queries/frequent?limit=10
func (h *Handler) GetFrequentQueries(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	stats := h.Service.FrequentQueries(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queries": stats,
		"count":   len(stats),
	})
}

// GetRecommendations handles GET /v1/recommendations
func (h *Handler) GetRecommendations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"index_recommendations": h.Service.Recommendations(),
		"findings":              h.Service.Findings(),
	})
}
