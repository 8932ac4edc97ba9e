package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/repository"
	"companion-session/internal/infra/memory"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestNewSealedStateRepo_KeyLength(t *testing.T) {
	for _, key := range []string{testKey[:16], testKey[:24], testKey} {
		_, err := NewSealedStateRepo(memory.NewStateRepo(), key)
		require.NoError(t, err)
	}
	_, err := NewSealedStateRepo(memory.NewStateRepo(), "short")
	require.Error(t, err)
}

func TestSealedStateRepo(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStateRepo()
	repo, err := NewSealedStateRepo(inner, testKey)
	require.NoError(t, err)

	require.NoError(t, repo.Set(ctx, repository.KeyAccessToken, "tok-1"))
	require.NoError(t, repo.Set(ctx, repository.SessionKey("u1"), "sess-1"))

	raw, err := inner.Get(ctx, repository.KeyAccessToken)
	require.NoError(t, err)
	require.NotContains(t, raw, "tok-1", "token must not be stored in plaintext")
	rawSess, err := inner.Get(ctx, repository.SessionKey("u1"))
	require.NoError(t, err)
	require.Equal(t, "sess-1", rawSess)

	got, err := repo.Get(ctx, repository.KeyAccessToken)
	require.NoError(t, err)
	require.Equal(t, "tok-1", got)

	t.Run("nonce differs per write", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, repository.KeyAccessToken, "tok-1"))
		again, err := inner.Get(ctx, repository.KeyAccessToken)
		require.NoError(t, err)
		require.NotEqual(t, raw, again)
	})

	t.Run("value moved to another key does not open", func(t *testing.T) {
		sealed, err := inner.Get(ctx, repository.KeyAccessToken)
		require.NoError(t, err)
		require.NoError(t, inner.Set(ctx, repository.KeyRefreshToken, sealed))
		_, err = repo.Get(ctx, repository.KeyRefreshToken)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("plaintext left over reads as missing", func(t *testing.T) {
		require.NoError(t, inner.Set(ctx, repository.KeyRefreshToken, "legacy"))
		_, err := repo.Get(ctx, repository.KeyRefreshToken)
		require.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
	})

	t.Run("other key cannot open", func(t *testing.T) {
		other, err := NewSealedStateRepo(inner, "fedcba9876543210")
		require.NoError(t, err)
		_, err = other.Get(ctx, repository.KeyAccessToken)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("missing stays missing", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, repository.KeyAccessToken))
		_, err := repo.Get(ctx, repository.KeyAccessToken)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}
