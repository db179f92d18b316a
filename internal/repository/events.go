package repository

import "sync"

// Event is a repository lifecycle event: a name, the model id and optional fields.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// Event names.
const (
	EventLoadStart     = "load_start"
	EventLoadDone      = "load_done"
	EventLoadError     = "load_error"
	EventEvict         = "evict"
	EventEvictDeferred = "evict_deferred"
	EventUnload        = "unload"
)

// EventPublisher receives repository events. Publish must be cheap, must not
// block and must not call back into the repository.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Count returns how many events named name were published.
func (p *MemoryPublisher) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
