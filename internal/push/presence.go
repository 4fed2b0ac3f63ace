package push

import (
	"sync"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

type PresenceRecord struct {
	UserID   string            `json:"userId"`
	Status   Status            `json:"status"`
	LastSeen time.Time         `json:"lastSeen"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PresenceEvent describes one status transition.
type PresenceEvent struct {
	UserID   string    `json:"userId"`
	Previous Status    `json:"previous"`
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
}

// PresenceTracker holds per-user online/away/offline state and fans
// transitions out to subscribed observers. Observer channels are buffered;
// a slow observer loses events rather than blocking the tracker.
type PresenceTracker struct {
	mu      sync.Mutex
	records map[string]PresenceRecord
	subs    map[int]chan PresenceEvent
	nextSub int
	now     func() time.Time
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		records: map[string]PresenceRecord{},
		subs:    map[int]chan PresenceEvent{},
		now:     time.Now,
	}
}

// SetStatus records the user's status and refreshes lastSeen. A transition
// (status actually changing) is published to all subscribers.
func (p *PresenceTracker) SetStatus(userID string, status Status, metadata map[string]string) {
	if userID == "" {
		return
	}
	now := p.now().UTC()
	p.mu.Lock()
	previous := StatusOffline
	if existing, ok := p.records[userID]; ok {
		previous = existing.Status
		if metadata == nil {
			metadata = existing.Metadata
		}
	}
	p.records[userID] = PresenceRecord{
		UserID:   userID,
		Status:   status,
		LastSeen: now,
		Metadata: metadata,
	}
	var targets []chan PresenceEvent
	if previous != status {
		for _, sub := range p.subs {
			targets = append(targets, sub)
		}
	}
	p.mu.Unlock()

	if previous == status {
		return
	}
	event := PresenceEvent{UserID: userID, Previous: previous, Status: status, At: now}
	for _, sub := range targets {
		select {
		case sub <- event:
		default:
		}
	}
}

// Get returns the tracked record for userID. Users never seen report offline.
func (p *PresenceTracker) Get(userID string) (PresenceRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.records[userID]
	if !ok {
		return PresenceRecord{UserID: userID, Status: StatusOffline}, false
	}
	return record, true
}

// HeartbeatSweep re-marks every listed user as online with a fresh lastSeen.
// The engine runs this for users with at least one live session to compensate
// for silent disconnects the transport has not detected yet.
func (p *PresenceTracker) HeartbeatSweep(liveUserIDs []string) {
	for _, userID := range liveUserIDs {
		p.SetStatus(userID, StatusOnline, nil)
	}
}

// Subscribe registers an observer for presence transitions. The returned
// cancel function must be called to release the subscription.
func (p *PresenceTracker) Subscribe(buffer int) (<-chan PresenceEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan PresenceEvent, buffer)
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()
	cancel := func() {
		p.mu.Lock()
		if existing, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(existing)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns a copy of every tracked record.
func (p *PresenceTracker) Snapshot() []PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	records := make([]PresenceRecord, 0, len(p.records))
	for _, record := range p.records {
		records = append(records, record)
	}
	return records
}
