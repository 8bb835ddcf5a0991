package vega

import (
	"strings"
	"sync"
)

// DefaultHistorySize is the number of events kept per topic.
const DefaultHistorySize = 100

// ring is a fixed-capacity buffer that overwrites its oldest entry.
type ring struct {
	buf   []Event
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) push(e Event) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []Event {
	out := make([]Event, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

type historyRecord struct {
	topic string
	event Event
	done  chan struct{}
}

// HistoryBuffer keeps the most recent events of every topic so a late
// subscriber can replay a backlog. Records are queued and applied by a
// background goroutine; publishers never wait on it.
type HistoryBuffer struct {
	size    int
	metrics *Metrics

	mu     sync.RWMutex
	topics map[string]*ring

	queue    chan historyRecord
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHistoryBuffer creates and starts a buffer keeping size events per topic.
func NewHistoryBuffer(size int, metrics *Metrics) *HistoryBuffer {
	if size <= 0 {
		size = DefaultHistorySize
	}
	h := &HistoryBuffer{
		size:    size,
		metrics: metrics,
		topics:  make(map[string]*ring),
		queue:   make(chan historyRecord, 4096),
		stopCh:  make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Record queues e for topic. If the queue is full the event is dropped
// from history; live delivery is unaffected.
func (h *HistoryBuffer) Record(topic string, e Event) {
	select {
	case <-h.stopCh:
		return
	default:
	}
	select {
	case h.queue <- historyRecord{topic: topic, event: e}:
	default:
		h.metrics.HistoryDropped()
	}
}

func (h *HistoryBuffer) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case rec := <-h.queue:
			if rec.done != nil {
				close(rec.done)
				continue
			}
			h.append(rec.topic, rec.event)
		}
	}
}

func (h *HistoryBuffer) append(topic string, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.topics[topic]
	if !ok {
		r = newRing(h.size)
		h.topics[topic] = r
	}
	r.push(e)
}

// Replay returns the buffered events of topic, oldest first.
func (h *HistoryBuffer) Replay(topic string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.topics[topic]
	if !ok {
		return nil
	}
	return r.items()
}

// Purge drops the history of topic.
func (h *HistoryBuffer) Purge(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics, topic)
}

// PurgeAgent drops the history of every topic scoped to agentID.
func (h *HistoryBuffer) PurgeAgent(agentID string) {
	prefix := "agents:" + agentID + ":"
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.topics {
		if strings.HasPrefix(topic, prefix) {
			delete(h.topics, topic)
		}
	}
}

// PurgeTask drops the history of every topic scoped to taskID.
func (h *HistoryBuffer) PurgeTask(taskID string) {
	prefix := "tasks:" + taskID + ":"
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.topics {
		if strings.HasPrefix(topic, prefix) {
			delete(h.topics, topic)
		}
	}
}

// Topics returns the number of topics with history.
func (h *HistoryBuffer) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Sync waits until every record queued before the call has been applied.
func (h *HistoryBuffer) Sync() {
	done := make(chan struct{})
	select {
	case h.queue <- historyRecord{done: done}:
	case <-h.stopCh:
		return
	}
	select {
	case <-done:
	case <-h.stopCh:
	}
}

// Close stops the background goroutine.
func (h *HistoryBuffer) Close() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()
	})
}
