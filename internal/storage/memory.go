package storage

import (
	"context"
	"sync"
)

// Memory is the in-process driver used by default and in tests. Values live
// for the lifetime of the driver, so separate persisted states sharing one
// Memory instance see each other's writes across restarts of their actors.
type Memory struct {
	mu    sync.Mutex
	slots map[memKey]*memSlot
}

type memKey struct {
	namespace string
	key       string
}

type memSlot struct {
	mu      sync.Mutex
	data    []byte
	version int
	found   bool
}

// NewMemory creates an empty in-memory driver.
func NewMemory() *Memory {
	return &Memory{slots: make(map[memKey]*memSlot)}
}

// Open returns the resource for (namespace, key), creating it if absent.
func (m *Memory) Open(_ context.Context, namespace, key string) (Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{namespace: namespace, key: key}
	slot, ok := m.slots[k]
	if !ok {
		slot = &memSlot{}
		m.slots[k] = slot
	}
	return (*memResource)(slot), nil
}

// Seed writes an initial value, for tests that need pre-hydration content.
func (m *Memory) Seed(namespace, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{namespace: namespace, key: key}
	slot, ok := m.slots[k]
	if !ok {
		slot = &memSlot{}
		m.slots[k] = slot
	}
	slot.mu.Lock()
	slot.data = append([]byte(nil), data...)
	slot.version++
	slot.found = true
	slot.mu.Unlock()
}

type memResource memSlot

func (r *memResource) Get() (Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Value{Data: r.data, Version: r.version, Found: r.found}, nil
}

func (r *memResource) Set(update func(prev Value) ([]byte, error)) (Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := Value{Data: r.data, Version: r.version, Found: r.found}
	next, err := update(prev)
	if err != nil {
		return Value{}, err
	}
	r.data = next
	r.version++
	r.found = true
	return Value{Data: r.data, Version: r.version, Found: true}, nil
}

func (r *memResource) Flush() error { return nil }
