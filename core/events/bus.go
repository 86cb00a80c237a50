package events

import "sync"

type Handler func(Event)

// Bus fans events out to subscribed handlers. It is safe for concurrent use,
// but emitting from several goroutines gives no ordering between them.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers []subscription
}

type subscription struct {
	id      int
	handler Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.handlers {
				if sub.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers event to every handler subscribed at the time of the call.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, sub := range b.handlers {
		handlers = append(handlers, sub.handler)
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}
