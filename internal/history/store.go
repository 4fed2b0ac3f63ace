// Package history is the thin adapter to the durable notification store.
// The delivery subsystem treats durability as an external collaborator:
// this package only appends, queries by sync point, and flips read flags.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const DefaultSinceLimit = 50

type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Store interface {
	Append(ctx context.Context, notification Notification) error
	// Since returns notifications for userID created strictly after the
	// sync point, oldest first, capped at limit.
	Since(ctx context.Context, userID string, since time.Time, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	// MarkAllRead returns the number of notifications flipped.
	MarkAllRead(ctx context.Context, userID string) (int, error)
	Close() error
}

type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*Notification
	order map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  map[string]*Notification{},
		order: map[string][]string{},
	}
}

func (s *MemoryStore) Append(_ context.Context, notification Notification) error {
	if notification.ID == "" || notification.UserID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[notification.ID]; exists {
		return nil
	}
	stored := notification
	s.byID[notification.ID] = &stored
	s.order[notification.UserID] = append(s.order[notification.UserID], notification.ID)
	return nil
}

func (s *MemoryStore) Since(_ context.Context, userID string, since time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultSinceLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Notification
	for _, id := range s.order[userID] {
		notification := s.byID[id]
		if notification.CreatedAt.After(since) {
			matched = append(matched, *notification)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	notification, ok := s.byID[notificationID]
	if !ok || notification.UserID != userID {
		return ErrNotFound
	}
	notification.Read = true
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flipped := 0
	for _, id := range s.order[userID] {
		notification := s.byID[id]
		if !notification.Read {
			notification.Read = true
			flipped++
		}
	}
	return flipped, nil
}

func (s *MemoryStore) Close() error { return nil }
