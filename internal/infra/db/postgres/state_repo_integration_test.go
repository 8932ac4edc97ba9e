//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"

	"companion-session/internal/domain"
)

func TestStateRepo_Postgres(t *testing.T) {
	cleanup(t)
	ctx := context.Background()
	repo := NewStateRepo(testPool, "it")

	if err := repo.Set(ctx, "auth:access_token", "a1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := repo.Set(ctx, "auth:access_token", "a2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := repo.Get(ctx, "auth:access_token")
	if err != nil || got != "a2" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if err := repo.Delete(ctx, "auth:access_token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, "auth:access_token"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
