package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testReg(id string) Registration {
	return Registration{
		SessionID: id,
		DeviceID:  "dev-" + id,
		URL:       "https://" + id + ".relay.example",
		CreatedAt: time.Now(),
	}
}

func TestMemoryPutGetDelete(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if _, err := m.Get(ctx, "AB2345"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get missing: err = %v, want ErrNotFound", err)
	}

	if err := m.Put(ctx, testReg("AB2345"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	reg, err := m.Get(ctx, "AB2345")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reg.DeviceID != "dev-AB2345" {
		t.Errorf("device id = %q", reg.DeviceID)
	}
	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}

	if err := m.Delete(ctx, "AB2345"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, "AB2345"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: err = %v, want ErrNotFound", err)
	}
	// Idempotent.
	if err := m.Delete(ctx, "AB2345"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Put(ctx, testReg("AB2345"), 30*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	if _, err := m.Get(ctx, "AB2345"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired get: err = %v, want ErrNotFound", err)
	}
	if err := m.Refresh(ctx, "AB2345", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired refresh: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryRefreshExtendsTTL(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Put(ctx, testReg("AB2345"), 50*time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	if err := m.Refresh(ctx, "AB2345", time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := m.Get(ctx, "AB2345"); err != nil {
		t.Errorf("get after refresh: %v", err)
	}

	if err := m.Refresh(ctx, "CD2345", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("refresh missing: err = %v, want ErrNotFound", err)
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Put(ctx, testReg("AB2345"), 10*time.Millisecond)
	m.Put(ctx, testReg("CD2345"), time.Minute)

	m.sweep(time.Now().Add(time.Second))

	m.mu.RLock()
	_, staleThere := m.entries["AB2345"]
	_, freshThere := m.entries["CD2345"]
	m.mu.RUnlock()
	if staleThere {
		t.Error("sweep left the expired entry in the map")
	}
	if !freshThere {
		t.Error("sweep evicted a live entry")
	}
}
