package events

import (
	"sync"
)

type EventType string

const (
	SiteCreated  EventType = "site:created"
	SiteStarted  EventType = "site:started"
	SiteStopped  EventType = "site:stopped"
	SiteArchived EventType = "site:archived"
	SiteRestored EventType = "site:restored"
	SiteDeleted  EventType = "site:deleted"
	SiteError    EventType = "site:error"
	SitesUpdated EventType = "sites:updated"
	LogEntry     EventType = "log:entry"
)

type Event struct {
	Type    EventType
	Payload interface{}
}

type Handler func(Event)

type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

func (b *Bus) Subscribe(topic EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[event.Type]; ok {
		for _, h := range handlers {
			// Handlers run synchronously so registry mutations and their
			// notifications stay ordered.
			h(event)
		}
	}
}
