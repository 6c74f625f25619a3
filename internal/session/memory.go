package session

import (
	"context"
	"sync"
	"time"
)

// sweepInterval bounds how stale an expired entry can sit in the map
// before the background sweep evicts it.
const sweepInterval = time.Minute

type memoryEntry struct {
	reg       Registration
	expiresAt time.Time
}

// Memory is the single-instance Store: a mutex-guarded map with lazy
// expiry on read plus a periodic sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	done chan struct{}
	once sync.Once
}

func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Memory) Put(_ context.Context, reg Registration, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[reg.SessionID] = memoryEntry{reg: reg, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Refresh(_ context.Context, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok || time.Now().After(e.expiresAt) {
		delete(m.entries, sessionID)
		return ErrNotFound
	}
	e.expiresAt = time.Now().Add(ttl)
	m.entries[sessionID] = e
	return nil
}

func (m *Memory) Get(_ context.Context, sessionID string) (Registration, error) {
	m.mu.RLock()
	e, ok := m.entries[sessionID]
	m.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return Registration{}, ErrNotFound
	}
	return e.reg, nil
}

func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
	return nil
}

// Len counts non-expired registrations.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, e := range m.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Memory) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}
