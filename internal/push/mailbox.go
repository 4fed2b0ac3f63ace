package push

import (
	"sync"
	"time"
)

const DefaultMailboxCapacity = 100

// Mailbox is the per-user offline queue. Entries only bridge the gap between
// "payload produced" and "user reconnects"; they are cleared on flush.
// When a user's box exceeds capacity the oldest entry is evicted.
type Mailbox struct {
	mu       sync.Mutex
	capacity int
	boxes    map[string][]QueuedPayload
	now      func() time.Time
}

func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{
		capacity: capacity,
		boxes:    map[string][]QueuedPayload{},
		now:      time.Now,
	}
}

// Enqueue appends a payload to userID's box, evicting from the front when
// the bound is exceeded. Returns the number of evicted entries (0 or 1).
func (m *Mailbox) Enqueue(userID string, payload Payload) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := append(m.boxes[userID], QueuedPayload{
		Payload:  payload,
		QueuedAt: m.now().UTC(),
		Queued:   true,
	})
	evicted := 0
	if len(box) > m.capacity {
		evicted = len(box) - m.capacity
		box = append([]QueuedPayload(nil), box[evicted:]...)
	}
	m.boxes[userID] = box
	return evicted
}

// Flush returns userID's queued payloads in insertion order and clears the box.
func (m *Mailbox) Flush(userID string) []QueuedPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.boxes[userID]
	if len(box) == 0 {
		return nil
	}
	delete(m.boxes, userID)
	return box
}

func (m *Mailbox) Len(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes[userID])
}

// UsersWithMail returns every user with a non-empty box. The engine's
// opportunistic flush sweep intersects this with live sessions.
func (m *Mailbox) UsersWithMail() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.boxes))
	for userID := range m.boxes {
		users = append(users, userID)
	}
	return users
}
