package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLogRedisUnavailable = errors.New("metric log redis unavailable")
	ErrLogInvalidDay       = errors.New("metric log day must not be empty")
)

// MetricLogStore persists encoded metric records in Redis lists: one list
// per UTC day plus a capped, newest-first real-time mirror.
type MetricLogStore struct {
	redis     redis.UniversalClient
	prefix    string
	mirrorKey string
}

func NewMetricLogStore(redisClient redis.UniversalClient, prefix, realtimeSuffix string) *MetricLogStore {
	if prefix == "" {
		prefix = "workflow_metrics"
	}
	if realtimeSuffix == "" {
		realtimeSuffix = "realtime"
	}
	return &MetricLogStore{
		redis:     redisClient,
		prefix:    prefix,
		mirrorKey: prefix + ":" + realtimeSuffix,
	}
}

// PartitionKey returns the list key of the given YYYY-MM-DD day.
func (s *MetricLogStore) PartitionKey(day string) string {
	return s.prefix + ":" + day
}

// MirrorKey returns the real-time mirror list key.
func (s *MetricLogStore) MirrorKey() string {
	return s.mirrorKey
}

// Ping checks that the server answers.
func (s *MetricLogStore) Ping(ctx context.Context) error {
	if s == nil || s.redis == nil {
		return ErrLogRedisUnavailable
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLogRedisUnavailable, err)
	}
	return nil
}

// AppendPartition appends payload to the day partition and refreshes its
// expiry in one pipeline.
func (s *MetricLogStore) AppendPartition(ctx context.Context, day string, payload []byte, ttl time.Duration) error {
	if day == "" {
		return ErrLogInvalidDay
	}
	key := s.PartitionKey(day)

	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogRedisUnavailable, err)
	}
	return nil
}

// PushMirror prepends payload to the real-time mirror, refreshes its
// expiry and trims it to maxEntries. The trim is not atomic with respect to
// concurrent pushers, so the list may briefly exceed maxEntries.
func (s *MetricLogStore) PushMirror(ctx context.Context, payload []byte, ttl time.Duration, maxEntries int) error {
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.mirrorKey, payload)
		if ttl > 0 {
			pipe.Expire(ctx, s.mirrorKey, ttl)
		}
		if maxEntries > 0 {
			pipe.LTrim(ctx, s.mirrorKey, 0, int64(maxEntries-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogRedisUnavailable, err)
	}
	return nil
}

// ReadPartition returns every entry of a day partition in append order. A
// missing partition yields an empty slice.
func (s *MetricLogStore) ReadPartition(ctx context.Context, day string) ([]string, error) {
	if day == "" {
		return nil, ErrLogInvalidDay
	}
	entries, err := s.redis.LRange(ctx, s.PartitionKey(day), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogRedisUnavailable, err)
	}
	return entries, nil
}

// ReadMirror returns up to limit mirror entries, newest first. limit <= 0
// reads the whole mirror.
func (s *MetricLogStore) ReadMirror(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	entries, err := s.redis.LRange(ctx, s.mirrorKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogRedisUnavailable, err)
	}
	return entries, nil
}
