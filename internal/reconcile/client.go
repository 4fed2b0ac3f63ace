// Package reconcile keeps a client-side notification cache consistent with
// the server across disconnects, hidden tabs, and optimistic local writes.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tasklink/pushgate/internal/history"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("manager closed")
)

// HTTPError carries a non-2xx response from the acknowledgement surface.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// APIClient is the external acknowledgement and sync surface the manager
// depends on but does not implement.
type APIClient interface {
	Notifications(ctx context.Context, since time.Time, limit int) ([]history.Notification, time.Time, error)
	MarkRead(ctx context.Context, notificationID string) error
	MarkAllRead(ctx context.Context) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token, userID string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		userID:     strings.TrimSpace(userID),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type syncResponse struct {
	Notifications []history.Notification `json:"notifications"`
	SyncPoint     string                 `json:"syncPoint"`
}

func (c *HTTPClient) Notifications(ctx context.Context, since time.Time, limit int) ([]history.Notification, time.Time, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out syncResponse
	path := fmt.Sprintf("/v1/users/%s/notifications?%s", url.PathEscape(c.userID), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, time.Time{}, err
	}
	syncPoint, err := time.Parse(time.RFC3339Nano, out.SyncPoint)
	if err != nil {
		syncPoint = time.Now().UTC()
	}
	return out.Notifications, syncPoint, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, notificationID string) error {
	body := map[string]any{"notificationId": notificationID}
	path := fmt.Sprintf("/v1/users/%s/notifications/mark-read", url.PathEscape(c.userID))
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

func (c *HTTPClient) MarkAllRead(ctx context.Context) error {
	path := fmt.Sprintf("/v1/users/%s/notifications/mark-all-read", url.PathEscape(c.userID))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		retry, err := c.handleResponse(resp, out)
		if err == nil {
			return nil
		}
		if retry && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}
		return err
	}
}

func (c *HTTPClient) handleResponse(resp *http.Response, out any) (retry bool, err error) {
	defer resp.Body.Close()
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return true, readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return false, nil
		}
		return false, json.Unmarshal(data, out)
	}
	httpErr := &HTTPError{StatusCode: resp.StatusCode}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		httpErr.Code = payload.Code
		httpErr.Message = payload.Message
	}
	// Server errors and throttling are worth retrying; client errors are not.
	retry = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, httpErr
}

func (c *HTTPClient) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
