package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultWriteTimeout      = 5 * time.Second
	DefaultFlushInterval     = 5 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
)

type EngineOptions struct {
	Registry    *SessionRegistry
	Presence    *PresenceTracker
	Mailbox     *Mailbox
	RateLimiter *RateLimiter
	Metrics     *Metrics
	Logger      zerolog.Logger

	// RateLimit payloads per RateWindow per user. Zero means the defaults.
	RateLimit  int
	RateWindow time.Duration

	// WriteTimeout bounds a single channel write so one slow client cannot
	// stall delivery to others.
	WriteTimeout time.Duration

	IdleSweepInterval time.Duration
	MaxIdle           time.Duration
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
}

// Engine orchestrates delivery: rate limiting, session fan-out, mailbox
// fallback, and the periodic sweeps. All of a user's devices receive the
// same event; the product requirement is "notify the user", not "notify
// this tab".
type Engine struct {
	registry    *SessionRegistry
	presence    *PresenceTracker
	mailbox     *Mailbox
	rateLimiter *RateLimiter
	metrics     *Metrics
	logger      zerolog.Logger

	rateMu     sync.RWMutex
	rateLimit  int
	rateWindow time.Duration

	writeTimeout      time.Duration
	idleSweepInterval time.Duration
	maxIdle           time.Duration
	flushInterval     time.Duration
	heartbeatInterval time.Duration

	now func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Presence == nil {
		opts.Presence = NewPresenceTracker()
	}
	if opts.Registry == nil {
		opts.Registry = NewSessionRegistry(opts.Presence, opts.Logger)
	}
	if opts.Mailbox == nil {
		opts.Mailbox = NewMailbox(DefaultMailboxCapacity)
	}
	if opts.RateLimiter == nil {
		opts.RateLimiter = NewRateLimiter()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.IdleSweepInterval <= 0 {
		opts.IdleSweepInterval = DefaultIdleSweepInterval
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Engine{
		registry:          opts.Registry,
		presence:          opts.Presence,
		mailbox:           opts.Mailbox,
		rateLimiter:       opts.RateLimiter,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		rateLimit:         opts.RateLimit,
		rateWindow:        opts.RateWindow,
		writeTimeout:      opts.WriteTimeout,
		idleSweepInterval: opts.IdleSweepInterval,
		maxIdle:           opts.MaxIdle,
		flushInterval:     opts.FlushInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		now:               time.Now,
		done:              make(chan struct{}),
	}
}

// Registry exposes the session registry for the transport layer.
func (e *Engine) Registry() *SessionRegistry { return e.registry }

// Presence exposes the presence tracker for observers and admin surfaces.
func (e *Engine) Presence() *PresenceTracker { return e.presence }

// Mailbox exposes the offline queue, mainly for tests and admin surfaces.
func (e *Engine) Mailbox() *Mailbox { return e.mailbox }

// SetRateLimit replaces the per-user send limit at runtime, used by config
// hot reload. Zero or negative values restore the defaults.
func (e *Engine) SetRateLimit(limit int, window time.Duration) {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	e.rateMu.Lock()
	e.rateLimit = limit
	e.rateWindow = window
	e.rateMu.Unlock()
}

func (e *Engine) currentRateLimit() (int, time.Duration) {
	e.rateMu.RLock()
	defer e.rateMu.RUnlock()
	return e.rateLimit, e.rateWindow
}

// Start launches the periodic sweeps on independent tickers. Safe to call
// once; subsequent calls are no-ops.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(3)
		go e.runTicker(e.idleSweepInterval, func() {
			e.registry.SweepIdle(e.maxIdle)
			e.updateGauges()
		})
		go e.runTicker(e.flushInterval, e.flushPending)
		go e.runTicker(e.heartbeatInterval, func() {
			e.presence.HeartbeatSweep(e.registry.ActiveUsers())
		})
	})
}

// Stop cancels the sweeps and waits for them to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
}

func (e *Engine) runTicker(interval time.Duration, fn func()) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Connect registers a new session for userID and immediately flushes any
// mail queued while the user was offline.
func (e *Engine) Connect(userID string, channel Channel) *Session {
	session := e.registry.Register(userID, channel)
	e.flushMailboxTo(userID, session)
	e.updateGauges()
	return session
}

// Disconnect destroys a session.
func (e *Engine) Disconnect(sessionID string) {
	e.registry.Unregister(sessionID)
	e.updateGauges()
}

// SendToUser delivers a payload to every live session of userID, falling
// back to the mailbox when there are none. Returns true when at least one
// live write succeeded. Rate-limited payloads are dropped and logged;
// delivery is best-effort under abuse protection.
func (e *Engine) SendToUser(userID string, payload Payload) bool {
	if userID == "" {
		return false
	}
	limit, window := e.currentRateLimit()
	if !e.rateLimiter.Allow(userID, limit, window, e.now().UTC()) {
		e.logger.Warn().Str("user_id", userID).Str("type", payload.Type).Msg("payload dropped: rate limit exceeded")
		if e.metrics != nil {
			e.metrics.DroppedRateLimit.Inc()
		}
		return false
	}
	sessions := e.registry.SessionsFor(userID)
	if len(sessions) == 0 {
		evicted := e.mailbox.Enqueue(userID, payload)
		if e.metrics != nil {
			e.metrics.Queued.Inc()
			if evicted > 0 {
				e.metrics.Evicted.Add(float64(evicted))
			}
		}
		e.logger.Debug().Str("user_id", userID).Str("type", payload.Type).Msg("no live sessions, payload queued")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("user_id", userID).Msg("payload marshal failed")
		return false
	}
	delivered := false
	for _, session := range sessions {
		if e.writeSession(session, data) {
			delivered = true
		}
	}
	if delivered && e.metrics != nil {
		e.metrics.Delivered.Inc()
	}
	if !delivered {
		// Every write failed, so every session was just removed. Keep the
		// at-least-once contract by queuing for the reconnect.
		evicted := e.mailbox.Enqueue(userID, payload)
		if e.metrics != nil {
			e.metrics.Queued.Inc()
			if evicted > 0 {
				e.metrics.Evicted.Add(float64(evicted))
			}
		}
	}
	return delivered
}

// Broadcast delivers a payload to every user with a live session except
// excludeUserID, returning the number of users reached. Per-user failures
// are isolated and do not abort the loop.
func (e *Engine) Broadcast(payload Payload, excludeUserID string) int {
	reached := 0
	for _, userID := range e.registry.ActiveUsers() {
		if userID == excludeUserID {
			continue
		}
		if e.SendToUser(userID, payload) {
			reached++
		}
	}
	return reached
}

// SendToSession writes a payload directly to one session's channel,
// touching its last-activity timestamp on success.
func (e *Engine) SendToSession(sessionID string, payload Payload) bool {
	session, ok := e.registry.Get(sessionID)
	if !ok {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("session_id", sessionID).Msg("payload marshal failed")
		return false
	}
	return e.writeSession(session, data)
}

// writeSession performs one bounded write. A failed write unregisters the
// session immediately; a dead handle must never stay registered.
func (e *Engine) writeSession(session *Session, data []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
	defer cancel()
	if err := session.Channel.Send(ctx, data); err != nil {
		e.logger.Warn().Err(err).
			Str("session_id", session.ID).
			Str("user_id", session.UserID).
			Msg("channel write failed, removing session")
		if e.metrics != nil {
			e.metrics.WriteFailures.Inc()
		}
		e.registry.Unregister(session.ID)
		e.updateGauges()
		return false
	}
	e.registry.Touch(session.ID)
	return true
}

// flushMailboxTo drains userID's mailbox into one newly registered session.
func (e *Engine) flushMailboxTo(userID string, session *Session) {
	queued := e.mailbox.Flush(userID)
	if len(queued) == 0 {
		return
	}
	e.logger.Info().Str("user_id", userID).Int("count", len(queued)).Msg("flushing queued payloads")
	for i, item := range queued {
		data, err := json.Marshal(item)
		if err != nil {
			e.logger.Error().Err(err).Str("user_id", userID).Msg("queued payload marshal failed")
			continue
		}
		if !e.writeSession(session, data) {
			// Session died mid-flush; requeue the remainder in order.
			e.requeue(userID, queued[i:])
			return
		}
	}
}

// flushPending covers the race where payloads were queued microseconds
// before a session registered: any user with both mail and a live session
// gets drained on the flush ticker.
func (e *Engine) flushPending() {
	for _, userID := range e.mailbox.UsersWithMail() {
		sessions := e.registry.SessionsFor(userID)
		if len(sessions) == 0 {
			continue
		}
		e.flushMailboxTo(userID, sessions[0])
	}
}

func (e *Engine) requeue(userID string, items []QueuedPayload) {
	for _, item := range items {
		e.mailbox.Enqueue(userID, item.Payload)
	}
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.LiveSessions.Set(float64(e.registry.Count()))
	e.metrics.OnlineUsers.Set(float64(len(e.registry.ActiveUsers())))
}
