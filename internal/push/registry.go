package push

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxIdle           = 5 * time.Minute
	DefaultIdleSweepInterval = 30 * time.Second
)

// Session is one live push-capable connection for a user. The channel is
// exclusively owned by the session and released exactly once when the
// session is destroyed, whether by disconnect, write failure, or idle sweep.
type Session struct {
	ID           string
	UserID       string
	Channel      Channel
	ConnectedAt  time.Time
	lastActivity time.Time
}

// SessionRegistry tracks active sessions and the one-to-many user→sessions
// relationship. Presence transitions for a user's first and last session are
// decided under the registry lock, so they cannot race with a concurrent
// register/unregister for the same user.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	presence *PresenceTracker
	now      func() time.Time
	logger   zerolog.Logger
}

func NewSessionRegistry(presence *PresenceTracker, logger zerolog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: map[string]*Session{},
		byUser:   map[string]map[string]*Session{},
		presence: presence,
		now:      time.Now,
		logger:   logger,
	}
}

// Register creates a session owning the given channel. The user's first live
// session transitions their presence to online.
func (r *SessionRegistry) Register(userID string, channel Channel) *Session {
	now := r.now().UTC()
	session := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Channel:      channel,
		ConnectedAt:  now,
		lastActivity: now,
	}
	r.mu.Lock()
	r.sessions[session.ID] = session
	userSessions := r.byUser[userID]
	if userSessions == nil {
		userSessions = map[string]*Session{}
		r.byUser[userID] = userSessions
	}
	first := len(userSessions) == 0
	userSessions[session.ID] = session
	if first && r.presence != nil {
		r.presence.SetStatus(userID, StatusOnline, nil)
	}
	r.mu.Unlock()

	r.logger.Info().Str("session_id", session.ID).Str("user_id", userID).Msg("session registered")
	return session
}

// Unregister destroys a session and releases its channel. Unregistering a
// user's last live session transitions their presence to offline. Safe to
// call more than once; only the first call does anything.
func (r *SessionRegistry) Unregister(sessionID string) bool {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	userSessions := r.byUser[session.UserID]
	delete(userSessions, sessionID)
	last := len(userSessions) == 0
	if last {
		delete(r.byUser, session.UserID)
		if r.presence != nil {
			r.presence.SetStatus(session.UserID, StatusOffline, nil)
		}
	}
	r.mu.Unlock()

	if err := session.Channel.Close(); err != nil {
		r.logger.Debug().Err(err).Str("session_id", sessionID).Msg("channel close failed")
	}
	r.logger.Info().Str("session_id", sessionID).Str("user_id", session.UserID).Msg("session unregistered")
	return true
}

// SessionsFor returns the user's live sessions. The slice is a copy; the
// sessions themselves are shared.
func (r *SessionRegistry) SessionsFor(userID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	userSessions := r.byUser[userID]
	if len(userSessions) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(userSessions))
	for _, session := range userSessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// Touch refreshes the session's last-activity timestamp. Every successful
// write touches its session, which keeps an active session ahead of a sweep
// in flight.
func (r *SessionRegistry) Touch(sessionID string) {
	r.mu.Lock()
	if session, ok := r.sessions[sessionID]; ok {
		session.lastActivity = r.now().UTC()
	}
	r.mu.Unlock()
}

// Get returns a session by id.
func (r *SessionRegistry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// ActiveUsers returns every user with at least one live session.
func (r *SessionRegistry) ActiveUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	return users
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SweepIdle unregisters every session whose last activity exceeds maxIdle
// and returns how many were removed.
func (r *SessionRegistry) SweepIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	cutoff := r.now().UTC().Add(-maxIdle)
	r.mu.Lock()
	var stale []string
	for id, session := range r.sessions {
		if session.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	removed := 0
	for _, id := range stale {
		if r.Unregister(id) {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("idle session sweep")
	}
	return removed
}

// SessionInfo is the admin-facing view of a session.
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Snapshot returns admin-facing copies of every live session.
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, session := range r.sessions {
		infos = append(infos, SessionInfo{
			SessionID:    session.ID,
			UserID:       session.UserID,
			ConnectedAt:  session.ConnectedAt,
			LastActivity: session.lastActivity,
		})
	}
	return infos
}
