package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/server/storage"
)

var ErrNotStarted = errors.New("group service not started")

// Service manages the set of live group actors. Groups are created
// lazily on first Hello and restored from the store at startup.
type Service struct {
	store          *Store
	backend        storage.Backend
	tombstoneGrace time.Duration

	groups map[string]*Group
	ctx    context.Context
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

func NewService(store *Store, backend storage.Backend, tombstoneGrace time.Duration) *Service {
	return &Service{
		store:          store,
		backend:        backend,
		tombstoneGrace: tombstoneGrace,
		groups:         make(map[string]*Group),
	}
}

// Start restores persisted groups and begins running their actors.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	ids, err := s.store.GroupIDs()
	if err != nil {
		return fmt.Errorf("restore groups: %w", err)
	}

	for _, id := range ids {
		if _, err := s.Get(id); err != nil {
			return err
		}
	}

	slog.Info("group service started", "groups", len(ids))
	return nil
}

// Get returns the actor for a group, creating and running it on first use.
func (s *Service) Get(groupID string) (*Group, error) {
	s.mu.RLock()
	g, ok := s.groups[groupID]
	ctx := s.ctx
	s.mu.RUnlock()
	if ok {
		return g, nil
	}
	if ctx == nil {
		return nil, ErrNotStarted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[groupID]; ok {
		return g, nil
	}

	g, err := NewGroup(groupID, s.store, s.backend, s.tombstoneGrace)
	if err != nil {
		return nil, err
	}
	s.groups[groupID] = g

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		g.Run(ctx)
	}()

	return g, nil
}

// Wait blocks until all group actors have stopped.
func (s *Service) Wait() {
	s.wg.Wait()
}
