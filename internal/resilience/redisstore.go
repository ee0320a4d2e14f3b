package resilience

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore externalizes circuit-breaker snapshots in Redis so
// multiple migration workers pointed at the same provider share one
// health view. Entries expire on their own so a crashed worker cannot
// pin a provider open forever.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects a shared store. prefix defaults to
// "tcmigrate:breaker:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tcmigrate:breaker:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    10 * time.Minute,
	}
}

// Load fetches the last published snapshot for key.
func (s *RedisStore) Load(ctx context.Context, key string) (*Snapshot, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

// Save publishes a snapshot with a TTL.
func (s *RedisStore) Save(ctx context.Context, key string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, data, s.ttl).Err()
}
