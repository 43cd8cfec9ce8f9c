package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pixelforge/studio/internal/api/response"
	"github.com/pixelforge/studio/internal/metrics"
	"github.com/pixelforge/studio/internal/notify"
)

const streamBuffer = 64

// NewStreamHandler returns an http.HandlerFunc for GET /api/v1/jobs/stream.
// Each job update is sent as one SSE data event; a comment line keeps idle
// connections alive through proxies.
func NewStreamHandler(hub *notify.Hub, keepalive time.Duration, collector *metrics.Collector) http.HandlerFunc {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
				"Response writer does not support streaming", nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sub := hub.Subscribe(streamBuffer)
		defer hub.Unsubscribe(sub)
		collector.SubscriberConnected()
		defer collector.SubscriberDisconnected()

		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case job, open := <-sub.Updates():
				if !open {
					return
				}
				payload, err := json.Marshal(job)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}
