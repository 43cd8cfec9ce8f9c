// Package notify delivers job-state changes to interested observers: an
// in-process Hub feeding live client streams, and a Relay that republishes
// updates originating in other processes.
package notify

import (
	"sync"

	"github.com/pixelforge/studio/pkg/models"
)

const defaultBuffer = 16

// Subscription is a handle to a live stream of job updates.
type Subscription struct {
	ch   chan *models.Job
	once sync.Once
}

// Updates returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Updates() <-chan *models.Job {
	return s.ch
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans job updates out to any number of in-process subscribers. Delivery
// is bounded and lossy under backpressure: a full subscriber queue drops its
// oldest pending update rather than blocking the writer. Updates for a single
// job reach each subscriber in the order they were published.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener with the given queue depth (a default is
// applied when buffer is not positive).
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscription{ch: make(chan *models.Job, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the handle and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// Publish pushes a copy of the job to every subscriber. Never blocks.
func (h *Hub) Publish(job *models.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		record := job.Clone()
		select {
		case sub.ch <- record:
		default:
			// Queue full: drop the oldest pending update to make room.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- record:
			default:
			}
		}
	}
}

// Subscribers returns the number of registered listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
