package redis

import (
	"context"
	"time"

	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

var _ repository.LocalStateRepository = (*StateRepo)(nil)

// StateRepo keeps client state in Redis so several client processes of one user share
// the same session and fallback conversation id.
type StateRepo struct {
	client RedisClient
	prefix string
	ttl    time.Duration // 0 keeps keys forever
}

func NewStateRepo(client RedisClient, prefix string, ttl time.Duration) *StateRepo {
	if prefix == "" {
		prefix = "companion:"
	}
	return &StateRepo{client: client, prefix: prefix, ttl: ttl}
}

func (s *StateRepo) key(k string) string { return s.prefix + k }

func (s *StateRepo) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key))
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "redis get %s", key)
	}
	return v, nil
}

func (s *StateRepo) Set(ctx context.Context, key, value string) error {
	return errors.Wrapf(s.client.Set(ctx, s.key(key), value, s.ttl), "redis set %s", key)
}

func (s *StateRepo) Delete(ctx context.Context, key string) error {
	return errors.Wrapf(s.client.Del(ctx, s.key(key)), "redis del %s", key)
}
