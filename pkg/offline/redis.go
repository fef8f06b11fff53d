package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records in redis so they survive gateway restarts and
// are shared between instances.
//
// Layout: one hash per collection (<prefix>:<collection>, field = record id,
// value = JSON record) plus a set of collection names (<prefix>:collections).
type RedisStore struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(client *redis.Client, cfg Config) *RedisStore {
	cfg = cfg.normalized()
	return &RedisStore{
		redis:  client,
		prefix: cfg.Prefix,
		now:    cfg.Now,
	}
}

func (s *RedisStore) hashKey(collection string) string {
	return s.prefix + ":" + collection
}

func (s *RedisStore) setKey() string {
	return s.prefix + ":collections"
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, collection string, rec Record) (Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	out := stampNew(rec, s.now())
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, s.hashKey(collection), out.ID(), data)
	pipe.SAdd(ctx, s.setKey(), collection)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store record in redis: %w", err)
	}
	return out, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, collection, id string, patch Record) (Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	existing, err := s.get(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	out := merge(existing, patch, s.now())
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if err := s.redis.HSet(ctx, s.hashKey(collection), id, data).Err(); err != nil {
		return nil, fmt.Errorf("store record in redis: %w", err)
	}
	return out, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}

	removed, err := s.redis.HDel(ctx, s.hashKey(collection), id).Result()
	if err != nil {
		return fmt.Errorf("delete record from redis: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}

	remaining, err := s.redis.HLen(ctx, s.hashKey(collection)).Result()
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	if remaining == 0 {
		if err := s.redis.SRem(ctx, s.setKey(), collection).Err(); err != nil {
			return fmt.Errorf("remove collection: %w", err)
		}
	}
	return nil
}

// ListAll implements Store.
func (s *RedisStore) ListAll(ctx context.Context, collection string) ([]Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	values, err := s.redis.HVals(ctx, s.hashKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list records from redis: %w", err)
	}

	out := make([]Record, 0, len(values))
	for _, v := range values {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Collections implements Store.
func (s *RedisStore) Collections(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list collections from redis: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) get(ctx context.Context, collection, id string) (Record, error) {
	data, err := s.redis.HGet(ctx, s.hashKey(collection), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record from redis: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}
