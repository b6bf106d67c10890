// Package unread tracks per-participant unread message counts.
package unread

import (
	"context"
	"sync"
)

// Counter keeps one unread count per (user, conversation).
type Counter interface {
	Increment(ctx context.Context, conversationID, userID string) error
	Reset(ctx context.Context, conversationID, userID string) error
	Count(ctx context.Context, conversationID, userID string) (int64, error)
	// Totals returns every non-zero count for userID keyed by conversation.
	Totals(ctx context.Context, userID string) (map[string]int64, error)
}

type Memory struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

func NewMemory() *Memory {
	return &Memory{counts: make(map[string]map[string]int64)}
}

func (m *Memory) Increment(_ context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byConv, ok := m.counts[userID]
	if !ok {
		byConv = make(map[string]int64)
		m.counts[userID] = byConv
	}
	byConv[conversationID]++
	return nil
}

func (m *Memory) Reset(_ context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts[userID], conversationID)
	return nil
}

func (m *Memory) Count(_ context.Context, conversationID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[userID][conversationID], nil
}

func (m *Memory) Totals(_ context.Context, userID string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counts[userID]))
	for conv, n := range m.counts[userID] {
		out[conv] = n
	}
	return out, nil
}
