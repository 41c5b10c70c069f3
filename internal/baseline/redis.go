package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"risktrajectory/internal/config"
	"risktrajectory/internal/model"
)

// RedisStore keeps one JSON document per patient so a Set is a single atomic SET.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "baseline:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(patientID string) string {
	return s.prefix + patientID
}

func (s *RedisStore) Get(ctx context.Context, patientID string) (model.Baseline, error) {
	data, err := s.client.Get(ctx, s.key(patientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Baseline{}, fmt.Errorf("%w: %s", ErrNotFound, patientID)
	}
	if err != nil {
		return model.Baseline{}, fmt.Errorf("redis get baseline: %w", err)
	}
	var b model.Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return model.Baseline{}, fmt.Errorf("decode baseline %s: %w", patientID, err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, patientID string, b model.Baseline) error {
	if strings.TrimSpace(patientID) == "" {
		return fmt.Errorf("%w: empty patient id", ErrInvalidBaseline)
	}
	if err := Validate(b); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	if err := s.client.Set(ctx, s.key(patientID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set baseline: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
