package reconcile

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklink/pushgate/internal/history"
	"github.com/tasklink/pushgate/internal/push"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	DefaultFlushInterval     = 50 * time.Millisecond
	DefaultAckDelay          = 250 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSyncLimit         = 100
	defaultReconnectBase     = 500 * time.Millisecond
	defaultReconnectMax      = 10 * time.Second
)

// Update is one coalesced UI refresh: a full snapshot, newest first, so a
// consumer that misses an intermediate update loses nothing.
type Update struct {
	Notifications []history.Notification
	Unread        int
}

type ackRequest struct {
	call   func(ctx context.Context) error
	revert func()
}

type ManagerOptions struct {
	API       APIClient
	Transport Transport
	Logger    zerolog.Logger

	FlushInterval     time.Duration
	AckDelay          time.Duration
	HeartbeatInterval time.Duration
	SyncLimit         int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
}

// Manager maintains the local notification cache, applies optimistic
// mutations, batches UI updates, serializes acknowledgement calls, and
// resynchronizes missed events after disconnection or tab backgrounding.
// It runs on whatever goroutine scheduling the host gives it; all shared
// state sits behind one mutex.
type Manager struct {
	api       APIClient
	transport Transport
	logger    zerolog.Logger

	flushInterval     time.Duration
	ackDelay          time.Duration
	heartbeatInterval time.Duration
	syncLimit         int
	reconnectBase     time.Duration
	reconnectMax      time.Duration

	mu           sync.Mutex
	cache        map[string]history.Notification
	state        State
	syncPoint    time.Time
	visible      bool
	dirty        bool
	hiddenToasts []history.Notification
	conn         TransportConn

	updates chan Update
	toasts  chan history.Notification
	errs    chan error
	acks    chan ackRequest

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.AckDelay <= 0 {
		opts.AckDelay = DefaultAckDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SyncLimit <= 0 {
		opts.SyncLimit = DefaultSyncLimit
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		api:               opts.API,
		transport:         opts.Transport,
		logger:            opts.Logger,
		flushInterval:     opts.FlushInterval,
		ackDelay:          opts.AckDelay,
		heartbeatInterval: opts.HeartbeatInterval,
		syncLimit:         opts.SyncLimit,
		reconnectBase:     opts.ReconnectBase,
		reconnectMax:      opts.ReconnectMax,
		cache:             map[string]history.Notification{},
		state:             StateDisconnected,
		visible:           true,
		updates:           make(chan Update, 16),
		toasts:            make(chan history.Notification, 32),
		errs:              make(chan error, 16),
		acks:              make(chan ackRequest, 128),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Updates delivers coalesced cache snapshots for UI binding.
func (m *Manager) Updates() <-chan Update { return m.updates }

// Toasts delivers notifications that should surface as transient UI toasts.
func (m *Manager) Toasts() <-chan history.Notification { return m.toasts }

// Errors delivers acknowledgement failures after their rollback applied.
func (m *Manager) Errors() <-chan error { return m.errs }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the connection, acknowledgement, batch-flush, and
// heartbeat loops. Safe to call once.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(3)
		go m.runConnection()
		go m.runAcks()
		go m.runFlush()
	})
}

// Close tears the manager down: timers stop, the transport closes, and the
// cache clears. No timer fires after Close returns.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		m.wg.Wait()
		m.mu.Lock()
		m.cache = map[string]history.Notification{}
		m.hiddenToasts = nil
		m.mu.Unlock()
	})
}

func (m *Manager) runConnection() {
	defer m.wg.Done()
	defer m.setState(StateDisconnected)
	attempt := 0
	for {
		if m.ctx.Err() != nil {
			return
		}
		m.setState(StateConnecting)
		conn, err := m.transport.Dial(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			attempt++
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("transport dial failed")
			if waitErr := waitWithContext(m.ctx, m.reconnectDelay(attempt)); waitErr != nil {
				return
			}
			continue
		}
		attempt = 0
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateConnected)
		m.Resync()

		m.readLoop(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
		m.setState(StateDisconnected)
	}
}

// readLoop consumes frames until the connection dies, sending heartbeats on
// the side to keep intermediary idle timeouts from severing the channel.
func (m *Manager) readLoop(conn TransportConn) {
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-heartbeatDone:
				return
			case <-ticker.C:
				if err := conn.Ping(m.ctx); err != nil {
					return
				}
			}
		}
	}()
	for {
		data, err := conn.Read(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				m.logger.Debug().Err(err).Msg("push stream closed")
			}
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	kind, body, timestamp, ok := decodeFrame(data)
	if !ok {
		m.logger.Debug().Msg("ignoring undecodable push frame")
		return
	}
	m.applyEvent(kind, body, timestamp)
}

// decodeFrame accepts both live payloads and the queued wrapper that
// mailbox catch-up traffic arrives in.
func decodeFrame(data []byte) (kind string, body json.RawMessage, timestamp time.Time, ok bool) {
	var queued push.QueuedPayload
	if err := json.Unmarshal(data, &queued); err == nil && queued.Queued {
		return queued.Payload.Type, queued.Payload.Data, queued.Payload.Timestamp, true
	}
	var payload push.Payload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Type == "" {
		return "", nil, time.Time{}, false
	}
	return payload.Type, payload.Data, payload.Timestamp, true
}

// applyEvent merges one push event into the cache. Mutations are applied in
// the order events are observed locally; a server-confirmed state always
// wins over a stale optimistic one on the same field.
func (m *Manager) applyEvent(kind string, body json.RawMessage, timestamp time.Time) {
	var notification history.Notification
	if len(body) > 0 {
		if err := json.Unmarshal(body, &notification); err != nil {
			m.logger.Debug().Err(err).Str("kind", kind).Msg("ignoring malformed event body")
			return
		}
	}

	m.mu.Lock()
	switch kind {
	case "added":
		if notification.ID == "" {
			m.mu.Unlock()
			return
		}
		m.cache[notification.ID] = notification
		m.dirty = true
		m.advanceSyncPointLocked(timestamp)
		m.toastLocked(notification)
	case "updated":
		existing, ok := m.cache[notification.ID]
		if ok {
			existing.Read = notification.Read
			m.cache[notification.ID] = existing
			m.dirty = true
		}
		m.advanceSyncPointLocked(timestamp)
	case "deleted":
		if _, ok := m.cache[notification.ID]; ok {
			delete(m.cache, notification.ID)
			m.dirty = true
		}
		m.advanceSyncPointLocked(timestamp)
	case "bulk_updated":
		for id, cached := range m.cache {
			if !cached.Read {
				cached.Read = true
				m.cache[id] = cached
			}
		}
		m.dirty = true
		m.advanceSyncPointLocked(timestamp)
	default:
		// Not a cache mutation (announcements and the like): toast only.
		m.toastLocked(notification)
	}
	m.mu.Unlock()
}

func (m *Manager) advanceSyncPointLocked(timestamp time.Time) {
	if timestamp.After(m.syncPoint) {
		m.syncPoint = timestamp
	}
}

// toastLocked surfaces a notification as a toast, or buffers it while the
// tab is hidden so a backgrounded tab never spams on return.
func (m *Manager) toastLocked(notification history.Notification) {
	if !m.visible {
		m.hiddenToasts = append(m.hiddenToasts, notification)
		return
	}
	select {
	case m.toasts <- notification:
	default:
	}
}

// SetVisible informs the manager of tab visibility. Becoming visible
// replays buffered toasts and triggers a missed-event sync.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	if m.visible == visible {
		m.mu.Unlock()
		return
	}
	m.visible = visible
	var buffered []history.Notification
	if visible {
		buffered = m.hiddenToasts
		m.hiddenToasts = nil
	}
	m.mu.Unlock()

	if !visible {
		return
	}
	for _, notification := range buffered {
		select {
		case m.toasts <- notification:
		default:
		}
	}
	m.Resync()
}

// Resync fetches everything past the sync point and merges it exactly as
// if it had arrived live. Failure is logged and retried on the next
// reconnect or visibility trigger, not immediately.
func (m *Manager) Resync() {
	m.mu.Lock()
	since := m.syncPoint
	m.mu.Unlock()

	notifications, syncPoint, err := m.api.Notifications(m.ctx, since, m.syncLimit)
	if err != nil {
		if m.ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("missed-event sync failed")
		}
		return
	}
	m.mu.Lock()
	for _, notification := range notifications {
		m.cache[notification.ID] = notification
	}
	if syncPoint.After(m.syncPoint) {
		m.syncPoint = syncPoint
	}
	if len(notifications) > 0 {
		m.dirty = true
	}
	m.mu.Unlock()
}

// MarkRead optimistically flips the read flag, emits an update, and queues
// the acknowledgement. A rejected acknowledgement reverts the flag and
// surfaces the error.
func (m *Manager) MarkRead(notificationID string) error {
	m.mu.Lock()
	notification, ok := m.cache[notificationID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if notification.Read {
		m.mu.Unlock()
		return nil
	}
	snapshot := notification
	notification.Read = true
	m.cache[notificationID] = notification
	m.dirty = true
	m.mu.Unlock()

	return m.enqueueAck(ackRequest{
		call: func(ctx context.Context) error {
			return m.api.MarkRead(ctx, notificationID)
		},
		revert: func() {
			m.mu.Lock()
			if _, still := m.cache[notificationID]; still {
				m.cache[notificationID] = snapshot
				m.dirty = true
			}
			m.mu.Unlock()
		},
	})
}

// MarkAllRead optimistically marks the whole cache read, then queues one
// bulk acknowledgement with a full-snapshot rollback.
func (m *Manager) MarkAllRead() error {
	m.mu.Lock()
	snapshot := map[string]history.Notification{}
	for id, notification := range m.cache {
		if !notification.Read {
			snapshot[id] = notification
			notification.Read = true
			m.cache[id] = notification
		}
	}
	if len(snapshot) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.dirty = true
	m.mu.Unlock()

	return m.enqueueAck(ackRequest{
		call: func(ctx context.Context) error {
			return m.api.MarkAllRead(ctx)
		},
		revert: func() {
			m.mu.Lock()
			for id, previous := range snapshot {
				if _, still := m.cache[id]; still {
					m.cache[id] = previous
				}
			}
			m.dirty = true
			m.mu.Unlock()
		},
	})
}

func (m *Manager) enqueueAck(req ackRequest) error {
	select {
	case <-m.ctx.Done():
		return ErrClosed
	case m.acks <- req:
		return nil
	}
}

// runAcks drains acknowledgement calls one at a time with a small delay
// between them, so a burst of clicks cannot overwhelm the backend.
func (m *Manager) runAcks() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case req := <-m.acks:
			if err := req.call(m.ctx); err != nil {
				if m.ctx.Err() != nil {
					return
				}
				m.logger.Warn().Err(err).Msg("acknowledgement failed, rolling back")
				req.revert()
				select {
				case m.errs <- err:
				default:
				}
			}
			if waitWithContext(m.ctx, m.ackDelay) != nil {
				return
			}
		}
	}
}

// runFlush coalesces cache mutations into at most one emitted update per
// flush interval.
func (m *Manager) runFlush() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.flushIfDirty()
		}
	}
}

func (m *Manager) flushIfDirty() {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return
	}
	m.dirty = false
	update := m.snapshotLocked()
	m.mu.Unlock()

	select {
	case m.updates <- update:
	default:
	}
}

func (m *Manager) snapshotLocked() Update {
	notifications := make([]history.Notification, 0, len(m.cache))
	unread := 0
	for _, notification := range m.cache {
		notifications = append(notifications, notification)
		if !notification.Read {
			unread++
		}
	}
	sort.Slice(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
	return Update{Notifications: notifications, Unread: unread}
}

// Snapshot returns the current cache state synchronously, mainly for the
// initial render and for tests.
func (m *Manager) Snapshot() Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	previous := m.state
	m.state = state
	m.mu.Unlock()
	m.logger.Info().Str("from", string(previous)).Str("to", string(state)).Msg("connection state changed")
}

func (m *Manager) reconnectDelay(attempt int) time.Duration {
	delay := m.reconnectBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.reconnectMax {
			return m.reconnectMax
		}
	}
	if delay > m.reconnectMax {
		delay = m.reconnectMax
	}
	return delay
}
