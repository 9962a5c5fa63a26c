package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage stores a checkpoint as a JSON string under a single Redis key.
type RedisStorage struct {
	client *redis.Client
	key    string
}

func NewRedisStorage(client *redis.Client, key Key) *RedisStorage {
	return &RedisStorage{client: client, key: key.String()}
}

func (r *RedisStorage) Save(ctx context.Context, values map[string]json.RawMessage) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", r.key, err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStorage) Retrieve(ctx context.Context) (map[string]json.RawMessage, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, fmt.Errorf("retrieve checkpoint %s: %w", r.key, err)
	}
	values, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkpoint %s: %w", r.key, err)
	}
	return values, nil
}
