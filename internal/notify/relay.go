package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pixelforge/studio/internal/store"
	"github.com/pixelforge/studio/pkg/models"
)

const (
	relayRestartBackoff = time.Second
	dedupeWindow        = 1024
)

// Relay forwards job updates published by other processes to the local Hub.
// Exactly one relay runs per process holding live subscribers. The relay task
// is supervised: if the subscription drops it is reopened after a short
// backoff rather than dying silently.
type Relay struct {
	source *store.RedisStore
	hub    *Hub

	mu     sync.Mutex
	local  map[string]struct{}
	order  []string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(source *store.RedisStore, hub *Hub) *Relay {
	return &Relay{
		source: source,
		hub:    hub,
		local:  make(map[string]struct{}, dedupeWindow),
	}
}

func updateKey(job *models.Job) string {
	return fmt.Sprintf("%s|%s|%.6f", job.ID, job.Status, job.Progress)
}

// MarkLocal records that the update was already delivered to the local hub by
// the originating process, so the relayed copy of the same broadcast is
// dropped instead of delivered twice.
func (r *Relay) MarkLocal(job *models.Job) {
	key := updateKey(job)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.local[key]; ok {
		return
	}
	r.local[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > dedupeWindow {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.local, oldest)
	}
}

func (r *Relay) seenLocally(job *models.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.local[updateKey(job)]
	return ok
}

// Start launches the relay goroutine. Call Close to stop it.
func (r *Relay) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			r.run(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(relayRestartBackoff):
				slog.Warn("job event relay restarting")
			}
		}
	}()
}

// run consumes the broadcast channel until it fails or ctx is cancelled.
func (r *Relay) run(ctx context.Context) {
	pubsub := r.source.Subscribe(ctx)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var job models.Job
			if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
				slog.Warn("dropping undecodable job event", "error", err)
				continue
			}
			if r.seenLocally(&job) {
				continue
			}
			r.hub.Publish(&job)
		}
	}
}

// Close stops the relay and waits for the goroutine to exit.
func (r *Relay) Close() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
