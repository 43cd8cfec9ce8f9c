package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelforge/studio/internal/metrics"
)

const memoryLaneDepth = 256

// MemoryQueue carries tasks over buffered channels, one per lane. It backs
// single-process deployments where the worker runs inside the server process;
// nothing survives a restart.
type MemoryQueue struct {
	lanes   []string
	chans   map[string]chan Task
	metrics *metrics.Collector
}

func NewMemoryQueue(lanes []string, collector *metrics.Collector) *MemoryQueue {
	if len(lanes) == 0 {
		lanes = DefaultLanes
	}
	chans := make(map[string]chan Task, len(lanes))
	for _, lane := range lanes {
		chans[lane] = make(chan Task, memoryLaneDepth)
	}
	return &MemoryQueue{lanes: lanes, chans: chans, metrics: collector}
}

func (q *MemoryQueue) laneOrDefault(lane string) string {
	if _, ok := q.chans[lane]; ok {
		return lane
	}
	return q.lanes[len(q.lanes)-1]
}

func (q *MemoryQueue) Enqueue(_ context.Context, lane string, task Task) error {
	lane = q.laneOrDefault(lane)
	select {
	case q.chans[lane] <- task:
		q.metrics.SetQueueDepth(lane, float64(len(q.chans[lane])))
		return nil
	default:
		return fmt.Errorf("lane %q is full", lane)
	}
}

// Read polls the lanes in priority order, then waits briefly before checking
// again, until ctx is done.
func (q *MemoryQueue) Read(ctx context.Context) (*Delivery, error) {
	for {
		for _, lane := range q.lanes {
			select {
			case task := <-q.chans[lane]:
				q.metrics.SetQueueDepth(lane, float64(len(q.chans[lane])))
				return &Delivery{Task: task, Lane: lane}, nil
			default:
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, _ *Delivery) error { return nil }

func (q *MemoryQueue) Stats(_ context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(q.lanes))
	for _, lane := range q.lanes {
		stats[lane] = int64(len(q.chans[lane]))
	}
	return stats, nil
}

func (q *MemoryQueue) Close() error { return nil }
