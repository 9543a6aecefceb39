package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/leasebroker/internal/session"
)

// MemoryStore keeps checkpoints in process. Used for dry runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]session.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]session.State)}
}

func (m *MemoryStore) Save(ctx context.Context, id string, st session.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[id] = st.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*session.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	st, ok := m.data[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	out := st.Clone()
	return &out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.data, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, status session.Status) ([]session.State, error) {
	m.mu.RLock()
	out := make([]session.State, 0, len(m.data))
	for _, st := range m.data {
		if status == "" || st.Status == status {
			out = append(out, st.Clone())
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, st := range m.data {
		if st.Status.Terminal() && st.UpdatedAt.Before(olderThan) {
			delete(m.data, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortNewestFirst(states []session.State) {
	sort.SliceStable(states, func(i, j int) bool {
		if !states[i].UpdatedAt.Equal(states[j].UpdatedAt) {
			return states[i].UpdatedAt.After(states[j].UpdatedAt)
		}
		return states[i].ID < states[j].ID
	})
}
