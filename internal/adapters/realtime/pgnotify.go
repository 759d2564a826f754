package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/okian/rota/pkg/logger"
)

const (
	channelPrefix        = "rota_"
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// PGNotifier is a Subscriber backed by Postgres LISTEN/NOTIFY. Triggers on
// the watched tables publish JSON payloads shaped like Change on channel
// "rota_<table>".
type PGNotifier struct {
	listener *pq.Listener
	logger   logger.Logger

	mu     sync.Mutex
	subs   map[string]*pgChannel
	tables map[string]int
	seq    uint64
	closed bool
}

// NewPGNotifier creates a notifier on dsn. Call Run to start dispatching.
func NewPGNotifier(dsn string, l logger.Logger) *PGNotifier {
	if l == nil {
		l = logger.Get().Named("pgnotify")
	}
	n := &PGNotifier{
		logger: l,
		subs:   make(map[string]*pgChannel),
		tables: make(map[string]int),
	}
	n.listener = pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, n.onEvent)
	return n
}

func (n *PGNotifier) onEvent(ev pq.ListenerEventType, err error) {
	ctx := context.Background()
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		n.logger.Warn(ctx, "notification listener lost connection", logger.Error(err))
	case pq.ListenerEventReconnected:
		n.logger.Info(ctx, "notification listener reconnected")
	}
}

type pgChannel struct {
	id     string
	filter Filter
	h      Handler
	n      *PGNotifier
	once   sync.Once
}

func (c *pgChannel) ID() string     { return c.id }
func (c *pgChannel) Filter() Filter { return c.filter }

func (c *pgChannel) Close() error {
	var err error
	c.once.Do(func() { err = c.n.remove(c) })
	return err
}

// Subscribe implements Subscriber. The first channel on a table issues LISTEN.
func (n *PGNotifier) Subscribe(_ context.Context, f Filter, h Handler) (Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if n.tables[f.Table] == 0 {
		if err := n.listener.Listen(channelPrefix + f.Table); err != nil && err != pq.ErrChannelAlreadyOpen {
			return nil, fmt.Errorf("listen %s: %w", f.Table, err)
		}
	}
	n.seq++
	c := &pgChannel{id: f.Table + "#" + strconv.FormatUint(n.seq, 10), filter: f, h: h, n: n}
	n.subs[c.id] = c
	n.tables[f.Table]++
	return c, nil
}

func (n *PGNotifier) remove(c *pgChannel) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[c.id]; !ok {
		return nil
	}
	delete(n.subs, c.id)
	n.tables[c.filter.Table]--
	if n.tables[c.filter.Table] > 0 || n.closed {
		return nil
	}
	delete(n.tables, c.filter.Table)
	if err := n.listener.Unlisten(channelPrefix + c.filter.Table); err != nil && err != pq.ErrChannelNotOpen {
		return fmt.Errorf("unlisten %s: %w", c.filter.Table, err)
	}
	return nil
}

// Run dispatches notifications until ctx is done.
func (n *PGNotifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case note, ok := <-n.listener.Notify:
			if !ok {
				return nil
			}
			if note == nil {
				// Reconnected: notifications may have been lost.
				n.replayAll()
				continue
			}
			c, err := decodePayload(note.Channel, note.Extra)
			if err != nil {
				n.logger.Warn(ctx, "dropping malformed notification",
					logger.String("channel", note.Channel), logger.Error(err))
				continue
			}
			n.dispatch(c)
		case <-ticker.C:
			if err := n.listener.Ping(); err != nil {
				n.logger.Warn(ctx, "notification listener ping failed", logger.Error(err))
			}
		}
	}
}

func (n *PGNotifier) handlers(match func(*pgChannel) bool) []*pgChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*pgChannel
	for _, c := range n.subs {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (n *PGNotifier) dispatch(c Change) {
	for _, ch := range n.handlers(func(p *pgChannel) bool { return p.filter.Matches(c) }) {
		ch.h(c)
	}
}

func (n *PGNotifier) replayAll() {
	now := time.Now()
	for _, ch := range n.handlers(func(*pgChannel) bool { return true }) {
		ch.h(Change{Table: ch.filter.Table, Type: Update, EventID: ch.filter.Value, UpdatedAt: now})
	}
}

// Close stops listening on every channel.
func (n *PGNotifier) Close() error {
	n.mu.Lock()
	n.closed = true
	n.subs = make(map[string]*pgChannel)
	n.tables = make(map[string]int)
	n.mu.Unlock()
	return n.listener.Close()
}

// decodePayload parses a NOTIFY payload, defaulting the table from the channel.
func decodePayload(channel, payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("decode notification: %w", err)
	}
	if c.Table == "" && len(channel) > len(channelPrefix) {
		c.Table = channel[len(channelPrefix):]
	}
	if c.Type == "" {
		c.Type = Update
	}
	return c, nil
}
