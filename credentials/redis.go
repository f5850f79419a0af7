package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-mirror/clock"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps credentials in redis without expiry. SETNX gives the write-once semantics.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(c *config.Config) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{
		Addr: c.RedisAddr,
		DB:   c.RedisDB,
	}), c.LoggingPrefix)
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(accountID ids.ID, day clock.Day) string {
	return fmt.Sprintf("%s:credentials:%s:%d", s.prefix, accountID, day)
}

func (s *RedisStore) Get(ctx context.Context, accountID ids.ID, day clock.Day) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.key(accountID, day)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Put(ctx context.Context, accountID ids.ID, credentials map[clock.Day][]byte) error {
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for day, cred := range credentials {
			p.SetNX(ctx, s.key(accountID, day), cred, 0)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Purge(ctx context.Context, accountID ids.ID) error {
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("%s:credentials:%s:*", s.prefix, accountID), 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
