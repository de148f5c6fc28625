package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/internal/util"
)

// InMemoryStore is a volatile Store keeping checkpoint chains in a process
// local map. It is safe for concurrent access and best suited for tests or
// ephemeral demo servers; it offers no durability across restarts.
type InMemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Checkpoint
}

// NewInMemoryStore constructs an empty in-memory checkpoint store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{chains: make(map[string][]Checkpoint)}
}

// Put implements Store.
func (s *InMemoryStore) Put(_ context.Context, threadID string, state *core.AgentState) (string, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("serialize state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[threadID]
	var parentID string
	if len(chain) > 0 {
		parentID = chain[len(chain)-1].ID
	}
	cp := Checkpoint{
		ThreadID:  threadID,
		ID:        util.NewID(),
		ParentID:  parentID,
		State:     blob,
		CreatedAt: time.Now().UTC(),
	}
	s.chains[threadID] = append(chain, cp)
	return cp.ID, nil
}

// Latest implements Store.
func (s *InMemoryStore) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[threadID]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	cp := chain[len(chain)-1]
	return &cp, nil
}

// Chain implements Store.
func (s *InMemoryStore) Chain(_ context.Context, threadID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := make([]Checkpoint, len(s.chains[threadID]))
	copy(chain, s.chains[threadID])
	return chain, nil
}

// Resumable implements Store.
func (s *InMemoryStore) Resumable(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var threads []string
	for threadID, chain := range s.chains {
		if len(chain) == 0 {
			continue
		}
		status, err := blobStatus(chain[len(chain)-1].State)
		if err != nil {
			continue
		}
		if !status.Terminal() {
			threads = append(threads, threadID)
		}
	}
	return threads, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error { return nil }
