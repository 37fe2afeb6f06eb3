package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/edgemesh/coordinator/eventbus"
)

// writeSSEEvent writes one Server-Sent Events frame and flushes it
// immediately — subscribers must see updates as they happen, not buffered.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) {
	fmt.Fprintf(w, "event: %s\n", event)
	payload, err := json.Marshal(data)
	if err != nil {
		fmt.Fprintf(w, "data: {\"error\":\"failed to marshal event\"}\n\n")
		flusher.Flush()
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func (a *API) streamTopic(w http.ResponseWriter, r *http.Request, topic eventbus.Topic, eventName, idField string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := a.bus.Subscribe(topic)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSEEvent(w, flusher, eventName, map[string]interface{}{
				idField:      evt.ID,
				"drop_count": evt.DropCount,
			})
		}
	}
}

// handleStreamNodes streams node_update events: GET /v1/stream/nodes.
func (a *API) handleStreamNodes(w http.ResponseWriter, r *http.Request) {
	a.streamTopic(w, r, eventbus.TopicNodeUpdate, "node_update", "node_id")
}

// handleStreamJobs streams job_update events: GET /v1/stream/jobs.
func (a *API) handleStreamJobs(w http.ResponseWriter, r *http.Request) {
	a.streamTopic(w, r, eventbus.TopicJobUpdate, "job_update", "job_id")
}
