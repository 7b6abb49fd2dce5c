// Package redisq implements the work queue and alert queue interfaces over
// Redis, for deployments where workers and alert consumers run in other
// processes.
//
// Each work queue uses two keys: a field in the work_queues hash marks that
// the queue exists, and a list holds the queued requests. Alert systems
// follow the same shape.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
	"github.com/acelab/ace/internal/storage"
)

const (
	keyWorkQueues   = "work_queues"
	keyAlertSystems = "alert_systems"
)

func workQueueKey(name string) string {
	return "work_queue:" + name
}

func alertQueueKey(name string) string {
	return "alert_system:" + name
}

// Store implements storage.WorkQueueStore and storage.AlertStore on Redis.
type Store struct {
	client *redis.Client
}

var (
	_ storage.WorkQueueStore = (*Store)(nil)
	_ storage.AlertStore     = (*Store)(nil)
)

// New wraps an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open connects to Redis at addr and verifies the connection.
func Open(ctx context.Context, addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return New(client), nil
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// WorkQueueStore --------------------------------------------------------------

func (s *Store) AddQueue(ctx context.Context, name string) (bool, error) {
	added, err := s.client.HSetNX(ctx, keyWorkQueues, name, time.Now().UTC().Format(time.RFC3339)).Result()
	return added, err
}

func (s *Store) DeleteQueue(ctx context.Context, name string) (bool, error) {
	removed, err := s.client.HDel(ctx, keyWorkQueues, name).Result()
	if err != nil {
		return false, err
	}
	if err := s.client.Del(ctx, workQueueKey(name)).Err(); err != nil {
		return removed == 1, err
	}
	return removed == 1, nil
}

func (s *Store) PutWork(ctx context.Context, name string, ar *analysis.AnalysisRequest) error {
	exists, err := s.client.HExists(ctx, keyWorkQueues, name).Result()
	if err != nil {
		return err
	}
	if !exists {
		return acerr.UnknownModuleType(name)
	}

	data, err := json.Marshal(ar)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, workQueueKey(name), data).Err()
}

func (s *Store) GetWork(ctx context.Context, name string, timeout time.Duration) (*analysis.AnalysisRequest, error) {
	exists, err := s.client.HExists(ctx, keyWorkQueues, name).Result()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, acerr.UnknownModuleType(name)
	}

	var data string
	if timeout <= 0 {
		data, err = s.client.LPop(ctx, workQueueKey(name)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
	} else {
		var result []string
		result, err = s.client.BLPop(ctx, timeout, workQueueKey(name)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err == nil {
			// BLPOP returns (key, value)
			data = result[1]
		}
	}
	if err != nil {
		return nil, err
	}

	var ar analysis.AnalysisRequest
	if err := json.Unmarshal([]byte(data), &ar); err != nil {
		return nil, err
	}
	return &ar, nil
}

func (s *Store) QueueSize(ctx context.Context, name string) (int, error) {
	exists, err := s.client.HExists(ctx, keyWorkQueues, name).Result()
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, acerr.UnknownModuleType(name)
	}

	size, err := s.client.LLen(ctx, workQueueKey(name)).Result()
	return int(size), err
}

// AlertStore ------------------------------------------------------------------

func (s *Store) RegisterAlertSystem(ctx context.Context, name string) (bool, error) {
	added, err := s.client.HSetNX(ctx, keyAlertSystems, name, time.Now().UTC().Format(time.RFC3339)).Result()
	return added, err
}

func (s *Store) UnregisterAlertSystem(ctx context.Context, name string) (bool, error) {
	removed, err := s.client.HDel(ctx, keyAlertSystems, name).Result()
	if err != nil {
		return false, err
	}
	if err := s.client.Del(ctx, alertQueueKey(name)).Err(); err != nil {
		return removed == 1, err
	}
	return removed == 1, nil
}

func (s *Store) SubmitAlert(ctx context.Context, rootUUID string) (bool, error) {
	names, err := s.client.HKeys(ctx, keyAlertSystems).Result()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if err := s.client.RPush(ctx, alertQueueKey(name), rootUUID).Err(); err != nil {
			return false, err
		}
	}
	return len(names) > 0, nil
}

func (s *Store) GetAlert(ctx context.Context, name string, timeout time.Duration) (string, error) {
	exists, err := s.client.HExists(ctx, keyAlertSystems, name).Result()
	if err != nil {
		return "", err
	}
	if !exists {
		return "", acerr.UnknownAlertSystem(name)
	}

	if timeout <= 0 {
		value, err := s.client.LPop(ctx, alertQueueKey(name)).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return value, err
	}

	result, err := s.client.BLPop(ctx, timeout, alertQueueKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return result[1], nil
}
