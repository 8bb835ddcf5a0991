package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	vega "github.com/everydev1618/vegatree"
)

const sseDedupWindow = 1024

// handleSSE streams bus events as Server-Sent Events. Topics come from
// repeated ?topic= parameters; ?task=<id> adds every topic of that task.
// Each topic's backlog is replayed before live events, and an event is
// written at most once per connection.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	topics := q["topic"]
	if task := q.Get("task"); task != "" {
		topics = append(topics, vega.TaskTopics(task)...)
	}
	topics = slices.Compact(slices.Sorted(slices.Values(topics)))
	if len(topics) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "at least one topic is required"})
		return
	}
	for _, t := range topics {
		if !vega.ValidTopic(t) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: vega.ErrInvalidTopic.Error(), Details: t})
			return
		}
	}

	ctx, release, ok := s.streams.Acquire(r.Context())
	if !ok {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}
	defer release()

	var subs []*vega.Subscription
	var backlog []vega.Event
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	for _, t := range topics {
		sub, events, err := s.orch.Subscribe(t)
		if err != nil {
			writeError(w, err)
			return
		}
		subs = append(subs, sub)
		backlog = append(backlog, skipThrough(events, r.Header.Get("Last-Event-ID"))...)
	}
	slices.SortStableFunc(backlog, func(a, b vega.Event) int { return a.Timestamp.Compare(b.Timestamp) })

	merged := make(chan vega.Event, 64)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range sub.C {
				select {
				case merged <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Send initial comment so EventSource fires onopen
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	seen, _ := lru.New[string, struct{}](sseDedupWindow)
	send := func(e vega.Event) {
		if seen.Contains(e.ID) {
			return
		}
		seen.Add(e.ID, struct{}{})
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
	}

	for _, e := range backlog {
		send(e)
	}
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case e, ok := <-merged:
			if !ok {
				return
			}
			send(e)
			flusher.Flush()
		}
	}
}

// skipThrough drops events up to and including lastID. Without a match
// the backlog is returned whole.
func skipThrough(events []vega.Event, lastID string) []vega.Event {
	if lastID == "" {
		return events
	}
	i := slices.IndexFunc(events, func(e vega.Event) bool { return e.ID == lastID })
	if i < 0 {
		return events
	}
	return events[i+1:]
}
