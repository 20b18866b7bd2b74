package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"whatsapp-concierge/internal/domain"
)

// maxTrackedConversations caps the records kept in memory. Expired handoffs
// are pruned when the cap is reached; active ones are never evicted.
const maxTrackedConversations = 10000

// ErrStoreFull is returned by Save when every tracked record is an active
// handoff.
var ErrStoreFull = errors.New("session: store is full of active handoffs")

// MemoryStore keeps conversations in a map for the life of the process.
// An absent record is an automated conversation.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.Conversation
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.Conversation),
		now:     time.Now,
	}
}

// Get returns the conversation for senderID, or an automated one when no
// record exists. Expiry is left to the caller.
func (s *MemoryStore) Get(_ context.Context, senderID string) (domain.Conversation, error) {
	if strings.TrimSpace(senderID) == "" {
		return domain.Conversation{}, errors.New("session: sender id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[senderID]
	if !ok {
		return domain.Automated(senderID), nil
	}
	return c, nil
}

// Save records conv. Automated conversations are stored as the absence of a
// record.
func (s *MemoryStore) Save(_ context.Context, conv domain.Conversation) error {
	if strings.TrimSpace(conv.SenderID) == "" {
		return errors.New("session: sender id is required")
	}
	if conv.Mode == domain.ModeHumanAssisted && conv.HandoffExpiresAt == nil {
		return errors.New("session: handoff expiry is required in human-assisted mode")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.Mode != domain.ModeHumanAssisted {
		delete(s.records, conv.SenderID)
		return nil
	}
	if _, exists := s.records[conv.SenderID]; !exists && len(s.records) >= maxTrackedConversations {
		s.pruneLocked()
		if len(s.records) >= maxTrackedConversations {
			return ErrStoreFull
		}
	}
	conv.Version++
	s.records[conv.SenderID] = conv
	return nil
}

// Delete removes the record for senderID. Missing records are not an error.
func (s *MemoryStore) Delete(_ context.Context, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, senderID)
	return nil
}

// ListHandoffs returns the sender ids with a recorded handoff.
func (s *MemoryStore) ListHandoffs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id, c := range s.records {
		if c.HandoffRecorded() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) pruneLocked() {
	now := s.now()
	for id, c := range s.records {
		if !c.HandoffActiveAt(now) {
			delete(s.records, id)
		}
	}
}
