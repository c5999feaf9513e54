package checkpoint

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu     sync.Mutex
	points map[string]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string]Checkpoint)}
}

func (m *MemoryStore) Save(_ context.Context, jobID, stage string, data map[string]interface{}) {
	// Callers keep mutating their carry map between stages; the stored
	// snapshot must not move with them.
	copied := make(map[string]interface{}, len(data))
	for k, v := range data {
		copied[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[jobID] = Checkpoint{
		JobID:   jobID,
		Stage:   stage,
		SavedAt: time.Now().UTC(),
		Data:    copied,
	}
}

func (m *MemoryStore) Load(_ context.Context, jobID string) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.points[jobID]
	return cp, ok
}

func (m *MemoryStore) Stage(ctx context.Context, jobID string) string {
	cp, ok := m.Load(ctx, jobID)
	if !ok {
		return ""
	}
	return cp.Stage
}

func (m *MemoryStore) Clear(_ context.Context, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, jobID)
}

func (m *MemoryStore) CleanupOld(_ context.Context, maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for id, cp := range m.points {
		if cp.SavedAt.Before(cutoff) {
			delete(m.points, id)
			removed++
		}
	}
	return removed
}
