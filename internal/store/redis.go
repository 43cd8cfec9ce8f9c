package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pixelforge/studio/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "studio:job:"
	// EventChannel is the broadcast channel every job update is published on
	// in shared-store mode. The cross-process relay subscribes here.
	EventChannel = "studio:jobs:events"
)

// RedisStore holds one serialized job record per namespaced key. It is the
// shared backend that makes job state visible across the HTTP-facing process
// and the worker processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore from a Redis URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func jobKey(id uuid.UUID) string {
	return jobKeyPrefix + id.String()
}

// putScript is a compare-status-and-set: the write is refused when the stored
// record is already terminal with a different status. Running it server-side
// makes the check atomic with the SET, so a stale read-modify-write from
// another process cannot reopen a settled job. Undecodable stored records are
// treated as absent, matching Get.
var putScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, rec = pcall(cjson.decode, cur)
	if ok and type(rec) == 'table' then
		local s = rec['status']
		if (s == 'completed' or s == 'failed' or s == 'cancelled') and s ~= ARGV[2] then
			return 0
		end
	end
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

func (s *RedisStore) Put(ctx context.Context, job *models.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	n, err := putScript.Run(ctx, s.client, []string{jobKey(job.ID)}, b, string(job.Status)).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTerminalOverwrite, job.ID)
	}
	return nil
}

// Get returns the job record for id. Corrupt or unparseable records are
// treated as absent, not surfaced as errors.
func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, bool, error) {
	b, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var job models.Job
	if err := json.Unmarshal(b, &job); err != nil {
		slog.Warn("discarding corrupt job record", "job_id", id, "error", err)
		return nil, false, nil
	}
	return &job, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.client.Del(ctx, jobKey(id)).Err()
}

func (s *RedisStore) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	var (
		ids    []uuid.UUID
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, jobKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			id, err := uuid.Parse(strings.TrimPrefix(key, jobKeyPrefix))
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

func (s *RedisStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.client.Exists(ctx, jobKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.client.Del(ctx, jobKey(id)).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Publish broadcasts a job update on the event channel so relays in other
// processes can forward it to their local subscribers.
func (s *RedisStore) Publish(ctx context.Context, job *models.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, EventChannel, b).Err()
}

// Subscribe opens a subscription on the event channel. The caller owns the
// returned PubSub and must close it.
func (s *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, EventChannel)
}
