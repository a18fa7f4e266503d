package daemon

import (
	"sync"

	"github.com/labpilot/labpilot/internal/models"
)

// notifyBuffer bounds each subscriber channel. A full buffer drops the
// notification; workers fall back to polling, so a drop only adds
// latency, never loses a task.
const notifyBuffer = 16

// Hub fans task-available notifications out to subscribed workers so a
// matching worker can claim without waiting for its next poll tick.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is one worker's notification feed. Receive from C; Close
// when done.
type Subscription struct {
	hub          *Hub
	site         string
	capabilities []string
	C            chan models.Task
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers interest in tasks for one site that the given
// capability set can serve.
func (h *Hub) Subscribe(site string, capabilities []string) *Subscription {
	sub := &Subscription{
		hub:          h,
		site:         site,
		capabilities: capabilities,
		C:            make(chan models.Task, notifyBuffer),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close removes the subscription. The channel is not closed so a
// concurrent Notify never sends on a closed channel; drop the
// subscription and let it be collected.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
}

// Notify offers the task to every matching subscriber without blocking.
func (h *Hub) Notify(task models.Task) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.site != task.SiteName {
			continue
		}
		if !models.CapabilitySupersetOf(sub.capabilities, task.RequiredCapabilities) {
			continue
		}
		select {
		case sub.C <- task:
		default:
			// Subscriber is behind; it will catch the task on poll.
		}
	}
}

// Subscribers reports the current subscription count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
