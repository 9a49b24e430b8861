package checkpointstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"discovery-agent/internal/domain"
)

const defaultRedisPrefix = "discovery:"

// RedisClient is the subset of go-redis commands the store uses.
// *goredis.Client satisfies it.
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *goredis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *goredis.IntCmd
	SMembers(ctx context.Context, key string) *goredis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// RedisStore keeps each checkpoint under its own key with a server-side
// TTL, plus a per-session index set.
type RedisStore struct {
	client RedisClient
	prefix string
	now    func() time.Time
}

var (
	_ domain.CheckpointStore         = (*RedisStore)(nil)
	_ domain.SessionCheckpointLister = (*RedisStore)(nil)
)

// NewRedisStore connects to the server at url (redis://...) and verifies
// the connection. Keys are namespaced under prefix.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(rdb, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client. Keys are namespaced
// under prefix.
func NewRedisStoreWithClient(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(id string) string { return s.prefix + "checkpoint:" + id }

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID + ":checkpoints"
}

// Save writes the checkpoint with a TTL matching its expiry. Already
// expired checkpoints are not written.
func (s *RedisStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	ttl := cp.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.key(cp.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	idx := s.sessionKey(cp.SessionID)
	if err := s.client.SAdd(ctx, idx, cp.ID).Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	// The index lives as long as its newest member.
	return s.client.Expire(ctx, idx, ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, id string) (*domain.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	return decode(string(data))
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	cp, err := s.Load(ctx, id)
	if err != nil {
		return false, err
	}
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	if cp != nil {
		s.client.SRem(ctx, s.sessionKey(cp.SessionID), id)
	}
	return n > 0, nil
}

// LoadSession returns a session's live checkpoints ordered by step. Index
// entries whose key has expired are pruned.
func (s *RedisStore) LoadSession(ctx context.Context, sessionID string) ([]domain.Checkpoint, error) {
	idx := s.sessionKey(sessionID)
	ids, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}

	var out []domain.Checkpoint
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			s.client.SRem(ctx, idx, id)
			continue
		}
		out = append(out, *cp)
	}
	sortByStep(out)
	return out, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
