package escalation

import (
	"sync"

	"github.com/supportrag/backend/internal/storage/models"
)

type EventType string

const (
	EventCreated  EventType = "created"
	EventAssigned EventType = "assigned"
	EventResolved EventType = "resolved"
)

type Event struct {
	Type       EventType                `json:"type"`
	TenantID   string                   `json:"tenant_id"`
	Escalation models.EscalatedQuestion `json:"escalation"`
}

// Notifier fans escalation events out to subscribers (the expert websocket
// feed). Slow subscribers drop events rather than block the pipeline.
type Notifier struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		subs: make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe returns a channel of events for one tenant and a cancel function
// that must be called when the subscriber goes away.
func (n *Notifier) Subscribe(tenantID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	n.mu.Lock()
	if n.subs[tenantID] == nil {
		n.subs[tenantID] = make(map[chan Event]struct{})
	}
	n.subs[tenantID][ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if set, ok := n.subs[tenantID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(n.subs, tenantID)
			}
		}
		n.mu.Unlock()
		close(ch)
	}

	return ch, cancel
}

func (n *Notifier) Publish(event Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.subs[event.TenantID] {
		select {
		case ch <- event:
		default:
		}
	}
}
