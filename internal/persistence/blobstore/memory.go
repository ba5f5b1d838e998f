package blobstore

import (
	"context"
	"sort"
	"sync"

	"chunkflow.ai/internal/sim/tilepos"
)

// Memory keeps blobs in a map. Used by tests and the memory backend.
type Memory struct {
	mu     sync.RWMutex
	blobs  map[uint64][]byte
	reads  int
	writes int
}

func NewMemory() *Memory { return &Memory{blobs: map[uint64][]byte{}} }

func (m *Memory) Read(_ context.Context, pos tilepos.Pos) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	b, ok := m.blobs[pos.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Write(_ context.Context, pos tilepos.Pos, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.blobs[pos.Key()] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Delete(_ context.Context, pos tilepos.Pos) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, pos.Key())
	return nil
}

func (m *Memory) List(context.Context) ([]tilepos.Pos, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tilepos.Pos, 0, len(m.blobs))
	for k := range m.blobs {
		out = append(out, tilepos.FromKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (m *Memory) Close() error { return nil }

// Counts returns the number of reads and writes served.
func (m *Memory) Counts() (reads, writes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads, m.writes
}
