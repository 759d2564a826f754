package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rota/internal/adapters/realtime"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"
)

// DefaultDebounce is the quiet window before a burst of notifications
// becomes one refresh.
const DefaultDebounce = 500 * time.Millisecond

// Enqueuer accepts refresh tasks. It must not block.
type Enqueuer interface {
	Enqueue(ctx context.Context, t model.RefreshTask) bool
}

// EnqueueFunc adapts a function to Enqueuer.
type EnqueueFunc func(ctx context.Context, t model.RefreshTask) bool

// Enqueue implements Enqueuer.
func (f EnqueueFunc) Enqueue(ctx context.Context, t model.RefreshTask) bool { return f(ctx, t) }

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDebounce sets the quiet window.
func WithDebounce(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// registration is the Watching state of one event.
type registration struct {
	eventID   string
	refs      int
	channels  []realtime.Channel
	timer     *time.Timer
	reason    string
	consumers []*Tracker
}

// Registry is the subscription registry. Per event it moves between
// Unwatched (absent from the map) and Watching(refs); the first acquire opens
// the live-update channels and the last release closes them.
type Registry struct {
	sub      realtime.Subscriber
	queue    Enqueuer
	debounce time.Duration
	logger   logger.Logger
	fired    atomic.Int64

	mu     sync.Mutex
	events map[string]*registration
}

// NewRegistry builds a Registry opening channels through sub and handing
// debounced refreshes to queue.
func NewRegistry(sub realtime.Subscriber, queue Enqueuer, opts ...RegistryOption) *Registry {
	r := &Registry{
		sub:      sub,
		queue:    queue,
		debounce: DefaultDebounce,
		events:   make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Get().Named("registry")
	}
	return r
}

// filters lists the three sources a watched event listens to.
func filters(eventID string) []realtime.Filter {
	return []realtime.Filter{
		{Table: realtime.TableIncidents, Column: realtime.ColumnEventID, Value: eventID, Event: realtime.Update},
		{Table: realtime.TableStaff, Event: realtime.Update},
		{Table: realtime.TableCallsigns, Column: realtime.ColumnEventID, Value: eventID, Event: realtime.Update},
	}
}

// Acquire registers t as a consumer of eventID.
func (r *Registry) Acquire(ctx context.Context, t *Tracker, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.events[eventID]
	if !ok {
		chans, err := r.open(ctx, eventID)
		if err != nil {
			return err
		}
		reg = &registration{eventID: eventID, channels: chans}
		r.events[eventID] = reg
		metrics.AddOpenChannels(len(chans))
		metrics.UpdateWatchedEvents(len(r.events))
		r.logger.Info(ctx, "event watched", logger.String("event_id", eventID), logger.Int("channels", len(chans)))
	}
	for _, c := range reg.consumers {
		if c == t {
			return nil
		}
	}
	reg.refs++
	reg.consumers = append(reg.consumers, t)
	return nil
}

func (r *Registry) open(ctx context.Context, eventID string) ([]realtime.Channel, error) {
	var chans []realtime.Channel
	for _, f := range filters(eventID) {
		ch, err := r.sub.Subscribe(ctx, f, func(c realtime.Change) { r.notify(eventID, c) })
		if err != nil {
			for _, opened := range chans {
				_ = opened.Close()
			}
			return nil, err
		}
		chans = append(chans, ch)
	}
	return chans, nil
}

// Release drops t from eventID. The 1 to 0 transition closes the channels.
func (r *Registry) Release(ctx context.Context, t *Tracker, eventID string) {
	r.mu.Lock()
	reg, ok := r.events[eventID]
	if !ok {
		r.mu.Unlock()
		return
	}
	idx := -1
	for i, c := range reg.consumers {
		if c == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	reg.consumers = append(reg.consumers[:idx], reg.consumers[idx+1:]...)
	reg.refs--
	if reg.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.events, eventID)
	if reg.timer != nil {
		reg.timer.Stop()
	}
	watched := len(r.events)
	r.mu.Unlock()

	var errs []error
	for _, ch := range reg.channels {
		errs = append(errs, ch.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn(ctx, "closing channels failed", logger.String("event_id", eventID), logger.Error(err))
	}
	metrics.AddOpenChannels(-len(reg.channels))
	metrics.UpdateWatchedEvents(watched)
	r.logger.Info(ctx, "event unwatched", logger.String("event_id", eventID))
}

// notify resets the event's single pending-refresh timer.
func (r *Registry) notify(eventID string, c realtime.Change) {
	metrics.RecordNotification(c.Table)

	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.events[eventID]
	if !ok {
		return
	}
	reg.reason = c.Table
	if reg.timer == nil {
		reg.timer = time.AfterFunc(r.debounce, func() { r.fire(reg) })
		return
	}
	reg.timer.Reset(r.debounce)
}

func (r *Registry) fire(reg *registration) {
	r.mu.Lock()
	if r.events[reg.eventID] != reg {
		r.mu.Unlock()
		return
	}
	task := model.RefreshTask{EventID: reg.eventID, Reason: reg.reason, EnqueuedAt: time.Now()}
	r.mu.Unlock()

	r.fired.Add(1)
	if !r.queue.Enqueue(context.Background(), task) {
		r.logger.Warn(context.Background(), "refresh task dropped", logger.String("event_id", task.EventID))
	}
}

// Refresh fetches the event's roster once and offers it to every consumer.
// Consumers that switched away or closed meanwhile ignore it.
func (r *Registry) Refresh(ctx context.Context, task model.RefreshTask) error {
	r.mu.Lock()
	reg, ok := r.events[task.EventID]
	var consumers []*Tracker
	if ok {
		consumers = append(consumers, reg.consumers...)
	}
	r.mu.Unlock()
	if len(consumers) == 0 {
		return nil
	}

	staff, partial, err := consumers[0].fetch(ctx, task.EventID)
	if err != nil {
		return err
	}
	for _, t := range consumers {
		t.offer(ctx, task.EventID, staff, partial)
	}
	return nil
}

// Refs returns the consumer count of eventID; zero when unwatched.
func (r *Registry) Refs(eventID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.events[eventID]; ok {
		return reg.refs
	}
	return 0
}

// Watched returns how many events have live channels.
func (r *Registry) Watched() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Fired returns how many debounced refreshes were emitted.
func (r *Registry) Fired() int64 { return r.fired.Load() }
