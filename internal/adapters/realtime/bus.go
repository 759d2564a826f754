package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Bus is an in-process Subscriber. Publish fans a change out to every
// matching channel on the caller's goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*busChannel
	closed bool
	opened atomic.Int64
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*busChannel)}
}

type busChannel struct {
	id     string
	filter Filter
	h      Handler
	bus    *Bus
	once   sync.Once
}

func (c *busChannel) ID() string     { return c.id }
func (c *busChannel) Filter() Filter { return c.filter }

func (c *busChannel) Close() error {
	c.once.Do(func() {
		c.bus.mu.Lock()
		delete(c.bus.subs, c.id)
		c.bus.mu.Unlock()
	})
	return nil
}

// Subscribe implements Subscriber.
func (b *Bus) Subscribe(_ context.Context, f Filter, h Handler) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	c := &busChannel{id: uuid.NewString(), filter: f, h: h, bus: b}
	b.subs[c.id] = c
	b.opened.Add(1)
	return c, nil
}

// Publish delivers c to matching channels and returns how many received it.
func (b *Bus) Publish(c Change) int {
	b.mu.RLock()
	var targets []Handler
	for _, s := range b.subs {
		if s.filter.Matches(c) {
			targets = append(targets, s.h)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(c)
	}
	return len(targets)
}

// Open returns the number of live channels.
func (b *Bus) Open() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Opened returns how many channels were ever created.
func (b *Bus) Opened() int64 { return b.opened.Load() }

// Close drops every channel and rejects new subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]*busChannel)
	b.mu.Unlock()
	return nil
}
