package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklink/pushgate/internal/history"
	"github.com/tasklink/pushgate/internal/push"
)

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	pings int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case data := <-c.frames:
		return data, nil
	}
}

func (c *fakeConn) Ping(ctx context.Context) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	c.pings++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, kind string, notification history.Notification, timestamp time.Time) {
	t.Helper()
	data, err := json.Marshal(notification)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	frame, err := json.Marshal(push.Payload{Type: kind, Data: data, Timestamp: timestamp})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.frames <- frame
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeTransport) Dial(ctx context.Context) (TransportConn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	conn := newFakeConn()
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeTransport) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type fakeAPI struct {
	mu            sync.Mutex
	notifications []history.Notification
	syncPoint     time.Time
	syncCalls     int
	syncSince     time.Time
	markReadIDs   []string
	markReadErr   error
	markAllCalls  int
	markAllErr    error
}

func (f *fakeAPI) Notifications(ctx context.Context, since time.Time, limit int) ([]history.Notification, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	f.syncSince = since
	return f.notifications, f.syncPoint, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadIDs = append(f.markReadIDs, notificationID)
	return f.markReadErr
}

func (f *fakeAPI) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAllCalls++
	return f.markAllErr
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncCalls
}

func newTestManager(t *testing.T, api *fakeAPI, opts ManagerOptions) (*Manager, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	opts.API = api
	opts.Transport = transport
	opts.Logger = zerolog.Nop()
	if opts.FlushInterval == 0 {
		opts.FlushInterval = 10 * time.Millisecond
	}
	if opts.AckDelay == 0 {
		opts.AckDelay = time.Millisecond
	}
	if opts.ReconnectBase == 0 {
		opts.ReconnectBase = 5 * time.Millisecond
	}
	manager := NewManager(opts)
	manager.Start()
	t.Cleanup(manager.Close)
	return manager, transport
}

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func sampleNotification(id string, createdAt time.Time) history.Notification {
	return history.Notification{
		ID:        id,
		UserID:    "user-1",
		Type:      "booking_confirmed",
		Data:      json.RawMessage(`{"bookingId":"b-1"}`),
		CreatedAt: createdAt,
	}
}

func TestManagerConnectsAndSyncsOnStart(t *testing.T) {
	api := &fakeAPI{
		notifications: []history.Notification{sampleNotification("n-1", time.Now())},
		syncPoint:     time.Now(),
	}
	manager, transport := newTestManager(t, api, ManagerOptions{})

	waitUntil(t, 2*time.Second, func() bool { return transport.dialCount() >= 1 })
	waitUntil(t, 2*time.Second, func() bool { return api.calls() >= 1 })
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 1 })

	if manager.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", manager.State())
	}
	if got := manager.Snapshot(); got.Unread != 1 {
		t.Fatalf("expected 1 unread, got %d", got.Unread)
	}
}

func TestManagerAppliesLiveEvents(t *testing.T) {
	api := &fakeAPI{}
	manager, transport := newTestManager(t, api, ManagerOptions{})
	waitUntil(t, 2*time.Second, func() bool { return transport.dialCount() >= 1 })
	conn := transport.conn(0)

	created := time.Now()
	conn.push(t, "added", sampleNotification("n-1", created), created)
	conn.push(t, "added", sampleNotification("n-2", created.Add(time.Second)), created.Add(time.Second))
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 2 })

	snapshot := manager.Snapshot()
	if snapshot.Notifications[0].ID != "n-2" {
		t.Fatalf("expected newest first, got %s", snapshot.Notifications[0].ID)
	}

	read := sampleNotification("n-1", created)
	read.Read = true
	conn.push(t, "updated", read, created.Add(2*time.Second))
	waitUntil(t, 2*time.Second, func() bool { return manager.Snapshot().Unread == 1 })

	conn.push(t, "deleted", sampleNotification("n-2", created), created.Add(3*time.Second))
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 1 })
}

func TestManagerUnwrapsQueuedFrames(t *testing.T) {
	api := &fakeAPI{}
	manager, transport := newTestManager(t, api, ManagerOptions{})
	waitUntil(t, 2*time.Second, func() bool { return transport.dialCount() >= 1 })
	conn := transport.conn(0)

	created := time.Now()
	data, err := json.Marshal(sampleNotification("n-queued", created))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := json.Marshal(push.QueuedPayload{
		Payload:  push.Payload{Type: "added", Data: data, Timestamp: created},
		QueuedAt: created,
		Queued:   true,
	})
	if err != nil {
		t.Fatalf("marshal wrapper: %v", err)
	}
	conn.frames <- frame

	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 1 })
	if manager.Snapshot().Notifications[0].ID != "n-queued" {
		t.Fatalf("expected queued notification in cache")
	}
}

func TestMarkReadIsImmediateAndAcknowledged(t *testing.T) {
	api := &fakeAPI{
		notifications: []history.Notification{sampleNotification("n-1", time.Now())},
	}
	manager, _ := newTestManager(t, api, ManagerOptions{})
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 1 })

	if err := manager.MarkRead("n-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	// The flip happens before MarkRead returns, not when the server replies.
	if got := manager.Snapshot(); got.Unread != 0 {
		t.Fatalf("expected optimistic read flip, got %d unread", got.Unread)
	}
	waitUntil(t, 2*time.Second, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.markReadIDs) == 1 && api.markReadIDs[0] == "n-1"
	})

	if err := manager.MarkRead("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestMarkReadRollsBackOnRejection(t *testing.T) {
	api := &fakeAPI{
		notifications: []history.Notification{sampleNotification("n-1", time.Now())},
		markReadErr:   errors.New("backend rejected"),
	}
	manager, _ := newTestManager(t, api, ManagerOptions{})
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 1 })

	if err := manager.MarkRead("n-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return manager.Snapshot().Unread == 1 })

	select {
	case err := <-manager.Errors():
		if err == nil {
			t.Fatalf("expected rejection error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected error after rollback")
	}
}

func TestMarkAllReadRollsBackOnRejection(t *testing.T) {
	created := time.Now()
	already := sampleNotification("n-3", created)
	already.Read = true
	api := &fakeAPI{
		notifications: []history.Notification{
			sampleNotification("n-1", created),
			sampleNotification("n-2", created.Add(time.Second)),
			already,
		},
		markAllErr: errors.New("backend rejected"),
	}
	manager, _ := newTestManager(t, api, ManagerOptions{})
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 3 })

	if err := manager.MarkAllRead(); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if got := manager.Snapshot(); got.Unread != 0 {
		t.Fatalf("expected optimistic bulk flip, got %d unread", got.Unread)
	}
	// Rollback restores only the two that were unread before the call.
	waitUntil(t, 2*time.Second, func() bool { return manager.Snapshot().Unread == 2 })
}

func TestHiddenToastsBufferAndReplay(t *testing.T) {
	api := &fakeAPI{}
	manager, transport := newTestManager(t, api, ManagerOptions{})
	waitUntil(t, 2*time.Second, func() bool { return transport.dialCount() >= 1 })
	conn := transport.conn(0)

	manager.SetVisible(false)
	created := time.Now()
	for _, id := range []string{"n-1", "n-2", "n-3"} {
		conn.push(t, "added", sampleNotification(id, created), created)
		created = created.Add(time.Second)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 3 })

	select {
	case notification := <-manager.Toasts():
		t.Fatalf("unexpected toast %s while hidden", notification.ID)
	default:
	}

	manager.SetVisible(true)
	for i := 0; i < 3; i++ {
		select {
		case <-manager.Toasts():
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 3 replayed toasts, got %d", i)
		}
	}
}

func TestRapidEventsCoalesceIntoOneUpdate(t *testing.T) {
	api := &fakeAPI{}
	manager, transport := newTestManager(t, api, ManagerOptions{FlushInterval: 150 * time.Millisecond})
	waitUntil(t, 2*time.Second, func() bool { return transport.dialCount() >= 1 })
	conn := transport.conn(0)

	created := time.Now()
	for _, id := range []string{"n-1", "n-2", "n-3", "n-4", "n-5"} {
		conn.push(t, "added", sampleNotification(id, created), created)
		created = created.Add(time.Millisecond)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 5 })

	select {
	case update := <-manager.Updates():
		if len(update.Notifications) != 5 {
			t.Fatalf("expected one coalesced update with 5 notifications, got %d", len(update.Notifications))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a flushed update")
	}
	// Nothing changed since the flush, so no further update fires.
	select {
	case update := <-manager.Updates():
		t.Fatalf("unexpected second update with %d notifications", len(update.Notifications))
	case <-time.After(250 * time.Millisecond):
	}
}

func TestReconnectTriggersResync(t *testing.T) {
	api := &fakeAPI{}
	manager, transport := newTestManager(t, api, ManagerOptions{})
	waitUntil(t, 2*time.Second, func() bool { return api.calls() >= 1 })

	api.mu.Lock()
	api.notifications = []history.Notification{sampleNotification("n-missed", time.Now())}
	api.mu.Unlock()

	transport.conn(0).Close()
	waitUntil(t, 2*time.Second, func() bool { return transport.dialCount() >= 2 })
	waitUntil(t, 2*time.Second, func() bool { return api.calls() >= 2 })
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 1 })
	if manager.State() != StateConnected {
		t.Fatalf("expected reconnected state, got %s", manager.State())
	}
}

func TestBecomingVisibleTriggersResync(t *testing.T) {
	api := &fakeAPI{}
	manager, transport := newTestManager(t, api, ManagerOptions{})
	waitUntil(t, 2*time.Second, func() bool { return transport.dialCount() >= 1 })
	before := api.calls()

	manager.SetVisible(false)
	manager.SetVisible(true)
	waitUntil(t, 2*time.Second, func() bool { return api.calls() > before })
}

func TestSyncSinceAdvancesWithObservedEvents(t *testing.T) {
	api := &fakeAPI{}
	manager, transport := newTestManager(t, api, ManagerOptions{})
	waitUntil(t, 2*time.Second, func() bool { return transport.dialCount() >= 1 })
	conn := transport.conn(0)

	eventTime := time.Now().Add(time.Minute)
	conn.push(t, "added", sampleNotification("n-1", eventTime), eventTime)
	waitUntil(t, 2*time.Second, func() bool { return len(manager.Snapshot().Notifications) == 1 })

	manager.SetVisible(false)
	manager.SetVisible(true)
	waitUntil(t, 2*time.Second, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.syncSince.Equal(eventTime)
	})
}

func TestCloseStopsEverything(t *testing.T) {
	api := &fakeAPI{}
	transport := &fakeTransport{}
	manager := NewManager(ManagerOptions{
		API:           api,
		Transport:     transport,
		Logger:        zerolog.Nop(),
		FlushInterval: 10 * time.Millisecond,
		AckDelay:      time.Millisecond,
		ReconnectBase: 5 * time.Millisecond,
	})
	manager.Start()
	waitUntil(t, 2*time.Second, func() bool { return transport.dialCount() >= 1 })

	manager.Close()
	manager.Close()

	if manager.State() != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", manager.State())
	}
	if got := manager.Snapshot(); len(got.Notifications) != 0 {
		t.Fatalf("expected cleared cache, got %d entries", len(got.Notifications))
	}
	dials := transport.dialCount()
	time.Sleep(50 * time.Millisecond)
	if transport.dialCount() != dials {
		t.Fatalf("reconnect loop still running after close")
	}
}
