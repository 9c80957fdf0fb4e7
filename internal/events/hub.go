package events

import (
	"context"
	"sync"
	"time"

	"indytrack.org/internal/industry"
)

// JobEvent is one committed ledger change as seen by stream subscribers.
type JobEvent struct {
	Kind      industry.ChangeKind `json:"kind"`
	Job       industry.Job        `json:"job"`
	Timestamp time.Time           `json:"timestamp"`
}

type subscriber struct {
	corporationID int64
	ch            chan JobEvent
}

// Hub fan-outs job events to subscribers of one corporation (SSE clients).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
	now  func() time.Time
}

var _ industry.Notifier = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscriber), now: time.Now}
}

// Subscribe registers a subscriber for the corporation's jobs. The channel is
// closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, corporationID int64) <-chan JobEvent {
	ch := make(chan JobEvent, 32)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{corporationID: corporationID, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to subscribers of the job's corporation.
func (h *Hub) Publish(evt JobEvent) {
	corp := evt.Job.Corporation()
	if corp == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.corporationID != corp {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking the sync.
		}
	}
}

// Notify publishes every change of a committed reconciliation.
func (h *Hub) Notify(changes []industry.JobChange) {
	ts := h.now().UTC()
	for _, c := range changes {
		h.Publish(JobEvent{Kind: c.Kind, Job: c.Job, Timestamp: ts})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
