package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"companion-session/internal/config"
	"companion-session/internal/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// fakeClient is an in-memory RedisClient mirroring go-redis semantics for missing keys.
type fakeClient struct{ data map[string]string }

func (f *fakeClient) Ping(ctx context.Context) error { return nil }
func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	f.data[key] = value.(string)
	return nil
}
func (f *fakeClient) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}
func (f *fakeClient) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}
func (f *fakeClient) Close() error { return nil }

func TestStateRepo_RoundTripWithPrefix(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{data: map[string]string{}}
	repo := NewStateRepo(fc, "test:", 0)

	if _, err := repo.Get(ctx, "session:u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.Set(ctx, "session:u1", "s-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := fc.data["test:session:u1"]; !ok {
		t.Fatalf("expected prefixed key, got %v", fc.data)
	}
	v, err := repo.Get(ctx, "session:u1")
	if err != nil || v != "s-1" {
		t.Fatalf("got %q, %v", v, err)
	}
	if err := repo.Delete(ctx, "session:u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(ctx, "session:u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// TestStateRepo_Live runs against a real server when REDIS_URL is set.
func TestStateRepo_Live(t *testing.T) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := NewClient(ctx, &config.RedisConfig{URL: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	repo := NewStateRepo(c, "companion-test:"+uuid.NewString()+":", time.Minute)
	if err := repo.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	v, err := repo.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("got %q, %v", v, err)
	}
	_ = repo.Delete(ctx, "k")
}
