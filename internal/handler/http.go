package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tetris-versus/match-server/internal/auth"
	"github.com/tetris-versus/match-server/internal/config"
	"github.com/tetris-versus/match-server/internal/domain"
	"github.com/tetris-versus/match-server/internal/matchmaker"
	redisstore "github.com/tetris-versus/match-server/internal/redis"
	"github.com/tetris-versus/match-server/internal/room"
	"github.com/tetris-versus/match-server/internal/websocket"
)

// Handler provides HTTP handlers for the match server API
type Handler struct {
	matchmaker *matchmaker.Matchmaker
	rooms      *room.Manager
	gateway    *websocket.Gateway
	rankings   *redisstore.RankingStore
	auth       *auth.Service
	rankingCfg *config.RankingConfig
	logger     *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	mm *matchmaker.Matchmaker,
	rooms *room.Manager,
	gateway *websocket.Gateway,
	rankings *redisstore.RankingStore,
	authService *auth.Service,
	rankingCfg *config.RankingConfig,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		matchmaker: mm,
		rooms:      rooms,
		gateway:    gateway,
		rankings:   rankings,
		auth:       authService,
		rankingCfg: rankingCfg,
		logger:     logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Session revocation, authenticated
		r.Route("/auth", func(r chi.Router) {
			r.Use(h.auth.Middleware)
			r.Post("/logout", h.Logout)
		})

		// Matchmaking queue, authenticated
		r.Route("/matchmaking", func(r chi.Router) {
			r.Use(h.auth.Middleware)
			r.Post("/queue", h.JoinQueue)
			r.Delete("/queue/{variantID}", h.LeaveQueue)
		})

		// Rankings, public
		r.Route("/rankings/{variantID}", func(r chi.Router) {
			r.Get("/", h.GetRanking)
			r.Get("/player/{playerID}", h.GetPlayerRank)
		})

		// Live server statistics
		r.Get("/ws/stats", h.GetConnectionStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// HandleWebSocket authenticates and upgrades a WebSocket connection. The
// token travels in the query string because browsers cannot set headers on
// upgrade requests.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Resolve(r.Context(), auth.FromRequest(r))
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, domain.ErrInvalidToken)
		return
	}
	websocket.ServeWS(h.gateway, h.logger, w, r, userID)
}

// Logout revokes the presented session token
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Revoke(r.Context(), auth.FromRequest(r)); err != nil {
		h.logger.Error("failed to revoke session", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "logged_out"})
}

// JoinQueue adds the authenticated user to a variant's matchmaking queue.
// The WebSocket join_queue event is the primary path; this endpoint serves
// clients that queue before opening their connection.
func (h *Handler) JoinQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, domain.ErrInvalidToken)
		return
	}

	var req domain.JoinQueuePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.VariantID <= 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.matchmaker.Enqueue(r.Context(), userID, req.VariantID); err != nil {
		if errors.Is(err, domain.ErrAlreadyQueued) {
			h.writeError(w, http.StatusConflict, err)
			return
		}
		h.logger.Error("failed to enqueue", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"user_id":    userID,
		"variant_id": req.VariantID,
		"status":     "queued",
	})
}

// LeaveQueue removes the authenticated user from a variant's queue
func (h *Handler) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, domain.ErrInvalidToken)
		return
	}

	variantID, err := strconv.Atoi(chi.URLParam(r, "variantID"))
	if err != nil || variantID <= 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.matchmaker.Cancel(r.Context(), userID, variantID); err != nil {
		if errors.Is(err, domain.ErrNotQueued) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to dequeue", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"user_id":    userID,
		"variant_id": variantID,
		"status":     "dequeued",
	})
}

// GetRanking returns the top-rated players of a variant
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	variantID, err := strconv.Atoi(chi.URLParam(r, "variantID"))
	if err != nil || variantID <= 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	limit := h.rankingCfg.DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		limit = parsed
	}
	if limit > h.rankingCfg.MaxLimit {
		limit = h.rankingCfg.MaxLimit
	}

	entries, err := h.rankings.TopN(r.Context(), variantID, limit)
	if err != nil {
		h.logger.Error("failed to get ranking", "variant_id", variantID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	total, err := h.rankings.Count(r.Context(), variantID)
	if err != nil {
		h.logger.Error("failed to count ranking", "variant_id", variantID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"variant_id": variantID,
		"entries":    entries,
		"total":      total,
	})
}

// GetPlayerRank returns one player's rank and rating
func (h *Handler) GetPlayerRank(w http.ResponseWriter, r *http.Request) {
	variantID, err := strconv.Atoi(chi.URLParam(r, "variantID"))
	if err != nil || variantID <= 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	playerID := chi.URLParam(r, "playerID")

	entry, err := h.rankings.PlayerRank(r.Context(), variantID, playerID)
	if err != nil {
		if errors.Is(err, domain.ErrPlayerNotRanked) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get player rank", "player_id", playerID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entry)
}

// GetConnectionStats returns live connection and room counts
func (h *Handler) GetConnectionStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.gateway.ConnectionCount(),
		"active_rooms":      h.rooms.RoomCount(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}
