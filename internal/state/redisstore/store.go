// Package redisstore keeps workflow instances in Redis: one hash per
// instance plus sorted sets of active ids ordered by creation time.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opentalon/conductor/internal/workflow"
)

const DefaultPrefix = "conductor:"

// saveScript writes an instance unless it is already terminal and keeps
// the active indexes in step with its status.
//
// KEYS: instance hash, active set, active-for-context set
// ARGV: status, data, id, score, retention seconds
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == 'completed' or cur == 'failed' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'data', ARGV[2])
if ARGV[1] == 'completed' or ARGV[1] == 'failed' then
  redis.call('ZREM', KEYS[2], ARGV[3])
  redis.call('ZREM', KEYS[3], ARGV[3])
  local ttl = tonumber(ARGV[5])
  if ttl > 0 then
    redis.call('EXPIRE', KEYS[1], ttl)
  end
else
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
end
return 1
`)

type Store struct {
	client *redis.Client
	prefix string
	// Retention expires terminal instances; zero keeps them forever.
	retention time.Duration
}

func New(client *redis.Client, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, retention: retention}
}

func (s *Store) instanceKey(id string) string { return s.prefix + "instance:" + id }
func (s *Store) activeKey() string           { return s.prefix + "active" }
func (s *Store) contextKey(bc string) string { return s.prefix + "active:ctx:" + bc }

func (s *Store) Save(ctx context.Context, inst *workflow.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("redisstore: marshal %s: %w", inst.ID, err)
	}
	keys := []string{s.instanceKey(inst.ID), s.activeKey(), s.contextKey(inst.BusinessContext)}
	err = saveScript.Run(ctx, s.client, keys,
		string(inst.Status), data, inst.ID, inst.CreatedAt.UnixMilli(), int64(s.retention/time.Second)).Err()
	if err != nil {
		return fmt.Errorf("redisstore: save %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*workflow.Instance, error) {
	data, err := s.client.HGet(ctx, s.instanceKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: load %s: %w", id, err)
	}
	return decode(data)
}

func (s *Store) LoadActiveForContext(ctx context.Context, businessContext string) ([]*workflow.Instance, error) {
	return s.loadIndex(ctx, s.contextKey(businessContext))
}

func (s *Store) ListActive(ctx context.Context) ([]*workflow.Instance, error) {
	return s.loadIndex(ctx, s.activeKey())
}

func (s *Store) loadIndex(ctx context.Context, key string) ([]*workflow.Instance, error) {
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: index %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.instanceKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: index %s: %w", key, err)
	}

	out := make([]*workflow.Instance, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redisstore: index %s: %w", key, err)
		}
		inst, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func decode(data string) (*workflow.Instance, error) {
	var inst workflow.Instance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("redisstore: decode: %w", err)
	}
	return &inst, nil
}
