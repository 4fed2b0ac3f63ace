package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tasklink/pushgate/internal/history"
	"github.com/tasklink/pushgate/internal/push"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	Logger             zerolog.Logger
	MetricsRegistry    *prometheus.Registry
}

type Server struct {
	engine             *push.Engine
	store              history.Store
	cfg                ServerConfig
	logger             zerolog.Logger
	rateLimiter        *push.RateLimiter
	metricsHandler     http.Handler
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

func NewServer(engine *push.Engine, store history.Store) *Server {
	return NewServerWithConfig(engine, store, ServerConfig{})
}

func NewServerWithConfig(engine *push.Engine, store history.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var metricsHandler http.Handler
	if cfg.MetricsRegistry != nil {
		metricsHandler = promhttp.HandlerFor(cfg.MetricsRegistry, promhttp.HandlerOpts{})
	}
	var limiter *push.RateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = push.NewRateLimiter()
	}
	return &Server{
		engine:             engine,
		store:              store,
		cfg:                cfg,
		logger:             cfg.Logger,
		rateLimiter:        limiter,
		metricsHandler:     metricsHandler,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metricsHandler != nil {
		s.metricsHandler.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/events" && r.Method == http.MethodPost {
		s.handleInternalEvent(w, r)
		return
	}
	if r.URL.Path == "/v1/stream" && r.Method == http.MethodGet {
		s.handleStream(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/sessions" && r.Method == http.MethodGet {
		s.handleAdminSessions(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/presence" && r.Method == http.MethodGet {
		s.handleAdminPresence(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	userID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "notifications" && r.Method == http.MethodGet:
		requiredScope = "notifications:read"
		route = "notifications"
	case len(parts) == 5 && parts[3] == "notifications" && parts[4] == "mark-read" && r.Method == http.MethodPost:
		requiredScope = "notifications:write"
		route = "mark_read"
	case len(parts) == 5 && parts[3] == "notifications" && parts[4] == "mark-all-read" && r.Method == http.MethodPost:
		requiredScope = "notifications:write"
		route = "mark_all_read"
	case len(parts) == 4 && parts[3] == "presence" && r.Method == http.MethodGet:
		requiredScope = "notifications:read"
		route = "presence"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if claims.UserID != userID && !claims.hasScope("admin") {
		writeError(w, http.StatusForbidden, "forbidden", "user mismatch", getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil && !s.rateLimiter.Allow(claims.UserID, s.cfg.RateLimitMax, s.cfg.RateLimitWindow, time.Now().UTC()) {
		retryAfter := int(s.cfg.RateLimitWindow.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "notifications":
		s.handleNotifications(w, r, userID, correlationID)
	case "mark_read":
		s.handleMarkRead(w, r, userID, correlationID)
	case "mark_all_read":
		s.handleMarkAllRead(w, r, userID, correlationID)
	case "presence":
		s.handlePresence(w, userID, correlationID)
	}
}

type internalEventRequest struct {
	UserID        string          `json:"userId,omitempty"`
	Broadcast     bool            `json:"broadcast,omitempty"`
	ExcludeUserID string          `json:"excludeUserId,omitempty"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

func (s *Server) handleInternalEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Pushgate-Timestamp"),
		r.Header.Get("X-Pushgate-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Pushgate-Timestamp"), r.Header.Get("X-Pushgate-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if err := validateEventBody(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req internalEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	notification := history.Notification{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Type:      req.Type,
		Data:      req.Data,
		CreatedAt: now,
	}
	payload, err := eventPayload("added", notification, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}

	if req.Broadcast {
		reached := s.engine.Broadcast(payload, req.ExcludeUserID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"notificationId": notification.ID,
			"reached":        reached,
		})
		return
	}

	if err := s.store.Append(r.Context(), notification); err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("history append failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "history append failed", correlationID)
		return
	}
	delivered := s.engine.SendToUser(req.UserID, payload)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"notificationId": notification.ID,
		"delivered":      delivered,
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid since timestamp", correlationID)
			return
		}
		since = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
			return
		}
		limit = parsed
	}
	notifications, err := s.store.Since(r.Context(), userID, since, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "history query failed", correlationID)
		return
	}
	if notifications == nil {
		notifications = []history.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"syncPoint":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		NotificationID string `json:"notificationId"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.NotificationID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing notificationId", correlationID)
		return
	}
	if err := s.store.MarkRead(r.Context(), userID, req.NotificationID); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "notification not found", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "mark read failed", correlationID)
		return
	}
	// Keep the user's other devices in sync.
	now := time.Now().UTC()
	payload, err := eventPayload("updated", history.Notification{
		ID:     req.NotificationID,
		UserID: userID,
		Read:   true,
	}, now)
	if err == nil {
		s.engine.SendToUser(userID, payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{"notificationId": req.NotificationID, "read": true})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	flipped, err := s.store.MarkAllRead(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "mark all read failed", correlationID)
		return
	}
	now := time.Now().UTC()
	payload, err := eventPayload("bulk_updated", history.Notification{UserID: userID, Read: true}, now)
	if err == nil {
		s.engine.SendToUser(userID, payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": flipped})
}

func (s *Server) handlePresence(w http.ResponseWriter, userID, correlationID string) {
	record, _ := s.engine.Presence().Get(userID)
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	_, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.engine.Registry().Snapshot()})
}

func (s *Server) handleAdminPresence(w http.ResponseWriter, r *http.Request) {
	_, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": s.engine.Presence().Snapshot()})
}

// eventPayload wraps a notification in the wire event the reconciliation
// manager consumes: kind added/updated/deleted/bulk_updated, data carrying
// the notification record.
func eventPayload(kind string, notification history.Notification, now time.Time) (push.Payload, error) {
	data, err := json.Marshal(notification)
	if err != nil {
		return push.Payload{}, err
	}
	return push.Payload{Type: kind, Data: data, Timestamp: now}, nil
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	limited := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if _, seen := s.internalReplaySeen[key]; seen {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
