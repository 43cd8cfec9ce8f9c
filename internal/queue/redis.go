package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pixelforge/studio/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	streamPrefix  = "studio:queue:"
	consumerGroup = "studio-workers"
)

// RedisQueue carries tasks over Redis Streams, one stream per priority lane,
// with a shared consumer group so any worker process can pull any task
// exactly once per acknowledgement (at-least-once overall: an unacked task is
// redelivered).
type RedisQueue struct {
	client   *redis.Client
	lanes    []string
	consumer string
	block    time.Duration
	metrics  *metrics.Collector
}

// RedisQueueConfig configures a RedisQueue. Lanes must be ordered highest
// priority first; zero values get defaults.
type RedisQueueConfig struct {
	URL      string
	Lanes    []string
	Block    time.Duration
	Metrics  *metrics.Collector
	Consumer string
}

// NewRedisQueue connects to Redis and ensures the consumer group exists on
// every lane stream.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if len(cfg.Lanes) == 0 {
		cfg.Lanes = DefaultLanes
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-" + uuid.New().String()[:8]
	}

	q := &RedisQueue{
		client:   redis.NewClient(opts),
		lanes:    cfg.Lanes,
		consumer: cfg.Consumer,
		block:    cfg.Block,
		metrics:  cfg.Metrics,
	}

	for _, lane := range q.lanes {
		err := q.client.XGroupCreateMkStream(ctx, streamKey(lane), consumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.client.Close()
			return nil, fmt.Errorf("create consumer group for lane %q: %w", lane, err)
		}
	}
	return q, nil
}

func streamKey(lane string) string {
	return streamPrefix + lane
}

func (q *RedisQueue) laneOrDefault(lane string) string {
	for _, l := range q.lanes {
		if l == lane {
			return l
		}
	}
	return q.lanes[len(q.lanes)-1]
}

func (q *RedisQueue) Enqueue(ctx context.Context, lane string, task Task) error {
	lane = q.laneOrDefault(lane)
	values := map[string]interface{}{
		"job_id": task.JobID.String(),
		"type":   task.Type,
	}
	if len(task.Payload) > 0 {
		values["payload"] = string(task.Payload)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(lane),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue to lane %q: %w", lane, err)
	}
	if depth, err := q.client.XLen(ctx, streamKey(lane)).Result(); err == nil {
		q.metrics.SetQueueDepth(lane, float64(depth))
	}
	return nil
}

// Read pulls the next task, preferring higher-priority lanes. Returns
// (nil, nil) when no task arrived within the block timeout.
func (q *RedisQueue) Read(ctx context.Context) (*Delivery, error) {
	streams := make([]string, 0, len(q.lanes)*2)
	for _, lane := range q.lanes {
		streams = append(streams, streamKey(lane))
	}
	for range q.lanes {
		streams = append(streams, ">")
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: q.consumer,
		Streams:  streams,
		Count:    1,
		Block:    q.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lanes: %w", err)
	}

	// Honor lane priority regardless of the order the server returned.
	byStream := make(map[string][]redis.XMessage, len(res))
	for _, s := range res {
		byStream[s.Stream] = s.Messages
	}
	for _, lane := range q.lanes {
		msgs := byStream[streamKey(lane)]
		if len(msgs) == 0 {
			continue
		}
		return q.parseMessage(lane, msgs[0])
	}
	return nil, nil
}

func (q *RedisQueue) parseMessage(lane string, msg redis.XMessage) (*Delivery, error) {
	d := &Delivery{Lane: lane, messageID: msg.ID}

	rawID, _ := msg.Values["job_id"].(string)
	id, err := uuid.Parse(rawID)
	if err != nil {
		// Unparseable messages are acked away rather than poisoning the lane.
		if ackErr := q.client.XAck(context.Background(), streamKey(lane), consumerGroup, msg.ID).Err(); ackErr != nil {
			return nil, ackErr
		}
		return nil, nil
	}
	d.Task.JobID = id
	d.Task.Type, _ = msg.Values["type"].(string)
	if payload, ok := msg.Values["payload"].(string); ok {
		d.Task.Payload = json.RawMessage(payload)
	}
	return d, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.client.XAck(ctx, streamKey(d.Lane), consumerGroup, d.messageID).Err()
}

func (q *RedisQueue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(q.lanes))
	for _, lane := range q.lanes {
		depth, err := q.client.XLen(ctx, streamKey(lane)).Result()
		if err != nil {
			return nil, fmt.Errorf("lane %q depth: %w", lane, err)
		}
		stats[lane] = depth
		q.metrics.SetQueueDepth(lane, float64(depth))
	}
	return stats, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
