package functionmeta

import (
	"fmt"
	"sync"
)

// Memory is an in-process Store, used by tests and single-node deployments
// that source function metadata from a static configuration file rather
// than a remote config service.
type Memory struct {
	mu   sync.RWMutex
	data map[string]FunctionMeta
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: map[string]FunctionMeta{}}
}

func (m *Memory) Get(function string) (FunctionMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.data[function]
	if !ok {
		return FunctionMeta{}, fmt.Errorf("functionmeta: %q not found", function)
	}
	return meta, nil
}

func (m *Memory) Put(meta FunctionMeta) error {
	if err := meta.Valid(); err != nil {
		return fmt.Errorf("functionmeta: invalid metadata for %q: %w", meta.Function, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[meta.Function] = meta
	return nil
}
