package sync

import stdsync "sync"

// SyncStatus tracks which paths have transfers in flight and which have
// exhausted their retries since the last successful pass.
type SyncStatus struct {
	syncing map[string]struct{}
	failed  map[string]int // path -> attempts at last failure
	mu      stdsync.RWMutex
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{
		syncing: make(map[string]struct{}),
		failed:  make(map[string]int),
	}
}

func (s *SyncStatus) SetSyncing(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing[path] = struct{}{}
}

func (s *SyncStatus) UnsetSyncing(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.syncing, path)
}

func (s *SyncStatus) IsSyncing(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.syncing[path]
	return ok
}

func (s *SyncStatus) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.syncing)
}

// MarkFailed records a path whose retries were exhausted.
func (s *SyncStatus) MarkFailed(path string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[path] = attempts
}

// ClearFailed removes a path from the failed set after a later success.
func (s *SyncStatus) ClearFailed(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, path)
}

// Failed returns a snapshot of paths currently marked failed.
func (s *SyncStatus) Failed() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.failed))
	for path, attempts := range s.failed {
		out[path] = attempts
	}
	return out
}
