package nvs

import (
	"context"
	"sync"

	"github.com/wippyai/vmbridge/errors"
)

// Memory is a bounded in-process store.
type Memory struct {
	values  map[string]int32
	maxKeys int
	closed  bool
	mu      sync.RWMutex
}

// NewMemory creates a store holding at most maxKeys keys.
// maxKeys <= 0 selects DefaultMaxKeys.
func NewMemory(maxKeys int) *Memory {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Memory{values: make(map[string]int32, maxKeys), maxKeys: maxKeys}
}

func (m *Memory) Get(_ context.Context, key string) (int32, bool, error) {
	if err := CheckKey(key); err != nil {
		return 0, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, false, errors.Destroyed(errors.PhaseStore)
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, val int32) error {
	if err := CheckKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.Destroyed(errors.PhaseStore)
	}
	if _, ok := m.values[key]; !ok && len(m.values) >= m.maxKeys {
		return errors.New(errors.PhaseStore, errors.KindFull).
			Symbol(key).
			Detail("%d keys in use", len(m.values)).
			Build()
	}
	m.values[key] = val
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.values = nil
	return nil
}
