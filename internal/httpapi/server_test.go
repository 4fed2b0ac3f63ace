package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklink/pushgate/internal/history"
	"github.com/tasklink/pushgate/internal/push"
)

const (
	testJWTSecret  = "test-jwt-secret"
	testHMACSecret = "test-hmac-secret"
)

func newTestServer(t *testing.T) (*Server, *push.Engine, *history.MemoryStore) {
	t.Helper()
	engine := push.NewEngine(push.EngineOptions{Logger: zerolog.Nop()})
	store := history.NewMemoryStore()
	server := NewServerWithConfig(engine, store, ServerConfig{
		JWTSecret:          testJWTSecret,
		InternalHMACSecret: testHMACSecret,
		Logger:             zerolog.Nop(),
	})
	return server, engine, store
}

func signToken(t *testing.T, userID string, scopes []string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(map[string]any{
		"user_id": userID,
		"aud":     "pushgate",
		"scopes":  scopes,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, []byte(testJWTSecret))
	mac.Write([]byte(header + "." + payload))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + signature
}

func signInternal(body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(testHMACSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postInternalEvent(t *testing.T, server *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	timestamp := time.Now().UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/v1/internal/events", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Pushgate-Timestamp", timestamp)
	req.Header.Set("X-Pushgate-Signature", signInternal([]byte(body), timestamp))
	req.Header.Set("X-Correlation-Id", "corr_test")
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestInternalEventRejectsBadSignature(t *testing.T) {
	server, _, _ := newTestServer(t)
	body := `{"userId":"user_1","type":"comment_posted"}`
	timestamp := time.Now().UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/v1/internal/events", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Pushgate-Timestamp", timestamp)
	req.Header.Set("X-Pushgate-Signature", "deadbeef")
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", recorder.Code)
	}
}

func TestInternalEventRejectsReplay(t *testing.T) {
	server, _, _ := newTestServer(t)
	body := `{"userId":"user_1","type":"comment_posted"}`
	timestamp := time.Now().UTC().Format(time.RFC3339)
	signature := signInternal([]byte(body), timestamp)

	for i, wantStatus := range []int{http.StatusAccepted, http.StatusUnauthorized} {
		req := httptest.NewRequest(http.MethodPost, "/v1/internal/events", bytes.NewReader([]byte(body)))
		req.Header.Set("X-Pushgate-Timestamp", timestamp)
		req.Header.Set("X-Pushgate-Signature", signature)
		recorder := httptest.NewRecorder()
		server.ServeHTTP(recorder, req)
		if recorder.Code != wantStatus {
			t.Fatalf("request %d: expected %d, got %d", i+1, wantStatus, recorder.Code)
		}
	}
}

func TestInternalEventRejectsSchemaViolations(t *testing.T) {
	server, _, _ := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"missing type", `{"userId":"user_1"}`},
		{"empty type", `{"userId":"user_1","type":""}`},
		{"no target", `{"type":"comment_posted"}`},
		{"broadcast false without user", `{"type":"comment_posted","broadcast":false}`},
	}
	for _, tc := range cases {
		recorder := postInternalEvent(t, server, tc.body)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, recorder.Code)
		}
	}
}

func TestInternalEventQueuesForOfflineUser(t *testing.T) {
	server, engine, store := newTestServer(t)
	recorder := postInternalEvent(t, server, `{"userId":"user_1","type":"comment_posted","data":{"commentId":"c1"}}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp struct {
		NotificationID string `json:"notificationId"`
		Delivered      bool   `json:"delivered"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Delivered {
		t.Fatalf("offline user should not be delivered live")
	}
	if engine.Mailbox().Len("user_1") != 1 {
		t.Fatalf("expected 1 queued payload, got %d", engine.Mailbox().Len("user_1"))
	}
	stored, _ := store.Since(context.Background(), "user_1", time.Time{}, 10)
	if len(stored) != 1 || stored[0].ID != resp.NotificationID {
		t.Fatalf("notification should be appended to history: %+v", stored)
	}
}

func TestInternalEventBroadcastReachesConnectedUsers(t *testing.T) {
	server, engine, _ := newTestServer(t)
	channel := &recordingChannel{}
	engine.Connect("user_1", channel)

	recorder := postInternalEvent(t, server, `{"broadcast":true,"type":"maintenance_notice"}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	var resp struct {
		Reached int `json:"reached"`
	}
	_ = json.Unmarshal(recorder.Body.Bytes(), &resp)
	if resp.Reached != 1 {
		t.Fatalf("expected 1 user reached, got %d", resp.Reached)
	}
	if channel.count() != 1 {
		t.Fatalf("connected user should receive the broadcast")
	}
}

func TestNotificationsRequiresAuth(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/users/user_1/notifications", nil)
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
}

func TestNotificationsRejectsOtherUsersToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/users/user_1/notifications", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user_2", []string{"notifications:read"}))
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user mismatch, got %d", recorder.Code)
	}
}

func TestNotificationsSinceReturnsMissedEvents(t *testing.T) {
	server, _, store := newTestServer(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"n1", "n2", "n3"} {
		_ = store.Append(context.Background(), history.Notification{
			ID:        id,
			UserID:    "user_1",
			Type:      "comment_posted",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	since := base.Add(30 * time.Second).Format(time.RFC3339Nano)
	req := httptest.NewRequest(http.MethodGet, "/v1/users/user_1/notifications?since="+since+"&limit=10", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user_1", []string{"notifications:read"}))
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp struct {
		Notifications []history.Notification `json:"notifications"`
		SyncPoint     string                 `json:"syncPoint"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Notifications) != 2 {
		t.Fatalf("expected 2 notifications after sync point, got %d", len(resp.Notifications))
	}
	if resp.SyncPoint == "" {
		t.Fatalf("response should carry a fresh sync point")
	}
}

func TestMarkReadFlipsFlagAndNotifiesSessions(t *testing.T) {
	server, engine, store := newTestServer(t)
	_ = store.Append(context.Background(), history.Notification{
		ID:        "n1",
		UserID:    "user_1",
		Type:      "comment_posted",
		CreatedAt: time.Now().UTC(),
	})
	channel := &recordingChannel{}
	engine.Connect("user_1", channel)

	body := `{"notificationId":"n1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/users/user_1/notifications/mark-read", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user_1", []string{"notifications:write"}))
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	stored, _ := store.Since(context.Background(), "user_1", time.Time{}, 10)
	if !stored[0].Read {
		t.Fatalf("notification should be read in history")
	}
	if channel.count() != 1 {
		t.Fatalf("expected an updated event pushed to the live session")
	}
	var pushed push.Payload
	if err := json.Unmarshal(channel.frames()[0], &pushed); err != nil {
		t.Fatalf("decode pushed frame: %v", err)
	}
	if pushed.Type != "updated" {
		t.Fatalf("expected updated event, got %q", pushed.Type)
	}
}

func TestMarkAllReadReportsCount(t *testing.T) {
	server, _, store := newTestServer(t)
	for _, id := range []string{"n1", "n2"} {
		_ = store.Append(context.Background(), history.Notification{
			ID:        id,
			UserID:    "user_1",
			Type:      "comment_posted",
			CreatedAt: time.Now().UTC(),
		})
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/users/user_1/notifications/mark-all-read", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user_1", []string{"notifications:write"}))
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var resp struct {
		Updated int `json:"updated"`
	}
	_ = json.Unmarshal(recorder.Body.Bytes(), &resp)
	if resp.Updated != 2 {
		t.Fatalf("expected 2 updated, got %d", resp.Updated)
	}
}

func TestAdminEndpointsRequireAdminScope(t *testing.T) {
	server, _, _ := newTestServer(t)
	for _, path := range []string{"/v1/admin/sessions", "/v1/admin/presence"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "user_1", []string{"notifications:read"}))
		recorder := httptest.NewRecorder()
		server.ServeHTTP(recorder, req)
		if recorder.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 without admin scope, got %d", path, recorder.Code)
		}
	}
}

func TestUserAPIRateLimitReturns429(t *testing.T) {
	engine := push.NewEngine(push.EngineOptions{Logger: zerolog.Nop()})
	store := history.NewMemoryStore()
	server := NewServerWithConfig(engine, store, ServerConfig{
		JWTSecret:          testJWTSecret,
		InternalHMACSecret: testHMACSecret,
		RateLimitMax:       2,
		RateLimitWindow:    time.Minute,
		Logger:             zerolog.Nop(),
	})
	token := signToken(t, "user_1", []string{"notifications:read"})
	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/users/user_1/notifications", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		recorder := httptest.NewRecorder()
		server.ServeHTTP(recorder, req)
		last = recorder.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third request, got %d", last)
	}
}
