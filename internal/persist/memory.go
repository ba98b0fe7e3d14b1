package persist

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/roundtable/pkg/models"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu        sync.Mutex
	chunks    map[string]map[int64]*models.PersistedChunk
	finalized map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:    make(map[string]map[int64]*models.PersistedChunk),
		finalized: make(map[string]bool),
	}
}

func messageKey(threadID, messageID string) string {
	return threadID + "\x00" + messageID
}

// AppendChunk implements Store.
func (s *MemoryStore) AppendChunk(_ context.Context, chunk *models.PersistedChunk) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey(chunk.ThreadID, chunk.MessageID)
	if s.finalized[key] {
		return AppendDedup, nil
	}
	message := s.chunks[key]
	if message == nil {
		message = make(map[int64]*models.PersistedChunk)
		s.chunks[key] = message
	}
	if _, exists := message[chunk.Seq]; exists {
		return AppendDedup, nil
	}

	copied := *chunk
	message[chunk.Seq] = &copied
	if chunk.Finalized {
		s.finalized[key] = true
	}
	return AppendOK, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Chunks returns a message's chunks in Seq order.
func (s *MemoryStore) Chunks(threadID, messageID string) []*models.PersistedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := s.chunks[messageKey(threadID, messageID)]
	out := make([]*models.PersistedChunk, 0, len(message))
	for _, c := range message {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Finalized reports whether the message has seen its finalized marker.
func (s *MemoryStore) Finalized(threadID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized[messageKey(threadID, messageID)]
}
