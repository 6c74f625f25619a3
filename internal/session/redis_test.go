package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// Redis tests run only against a live server:
//
//	PERCH_TEST_REDIS=localhost:6379 go test ./internal/session/
func testRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("PERCH_TEST_REDIS")
	if addr == "" {
		t.Skip("PERCH_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := NewRedis(ctx, addr)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisRoundTrip(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()

	reg := testReg("ZZ9999")
	if err := r.Put(ctx, reg, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	defer r.Delete(ctx, "ZZ9999")

	got, err := r.Get(ctx, "ZZ9999")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeviceID != reg.DeviceID || got.URL != reg.URL {
		t.Errorf("round trip = %+v, want %+v", got, reg)
	}

	if err := r.Refresh(ctx, "ZZ9999", time.Minute); err != nil {
		t.Errorf("refresh: %v", err)
	}
	if err := r.Refresh(ctx, "ZZ9998", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("refresh missing: err = %v, want ErrNotFound", err)
	}

	if err := r.Delete(ctx, "ZZ9999"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Get(ctx, "ZZ9999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedis(ctx, "127.0.0.1:1") // nothing listens here
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}
