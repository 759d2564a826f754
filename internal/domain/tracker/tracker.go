// Package tracker keeps live roster views for UI consumers. Consumers of the
// same event share one set of change-notification channels through the
// Registry; bursts of changes are debounced into a single refresh task.
package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/rota/internal/domain/cache"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/internal/domain/scoring"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"
)

// Tracker defaults.
const (
	DefaultPageSize             = 50
	MaxPageSize                 = 200
	DefaultIncrementalThreshold = 100
	DefaultChangeWindow         = cache.DefaultRosterTTL
)

// Errors returned by Tracker.
var (
	ErrClosed   = errors.New("tracker: closed")
	ErrNoRanker = errors.New("tracker: no ranker configured")
)

// Directory is what the tracker reads rosters from.
type Directory interface {
	Refresh(ctx context.Context, eventID string) ([]model.StaffMember, error)
	ChangedSince(ctx context.Context, eventID string, since time.Time) ([]model.StaffMember, error)
}

// Snapshot is a consistent copy of a tracker's state.
type Snapshot struct {
	EventID   string              `json:"eventId"`
	Staff     []model.StaffMember `json:"staff"`
	Stats     Stats               `json:"stats"`
	Partial   bool                `json:"partial"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Suggestion pairs a roster entry with its score.
type Suggestion struct {
	Staff model.StaffMember     `json:"staff"`
	Score model.AssignmentScore `json:"score"`
}

// Tracker is one consumer's live view of an event roster.
type Tracker struct {
	id        string
	registry  *Registry
	dir       Directory
	ranker    scoring.Ranker
	cache     *cache.Store
	threshold int
	window    time.Duration
	now       func() time.Time
	logger    logger.Logger

	mu        sync.RWMutex
	eventID   string
	epoch     uint64
	closed    bool
	staff     []model.StaffMember
	stats     Stats
	partial   bool
	updatedAt time.Time
	pageSize  int
	listeners []func(Snapshot)
}

// New creates a Tracker registered through reg.
func New(reg *Registry, dir Directory, opts ...Option) *Tracker {
	t := &Tracker{
		id:        uuid.NewString(),
		registry:  reg,
		dir:       dir,
		threshold: DefaultIncrementalThreshold,
		window:    DefaultChangeWindow,
		now:       time.Now,
		pageSize:  DefaultPageSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logger.Get().Named("tracker")
	}
	metrics.AddTrackerConsumers(1)
	return t
}

// ID returns the consumer id.
func (t *Tracker) ID() string { return t.id }

// EventID returns the watched event, "" when idle.
func (t *Tracker) EventID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.eventID
}

// Watch starts tracking eventID with a full fetch that bypasses the cache.
// If another event is tracked it is released first.
func (t *Tracker) Watch(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fault.New(fault.ValidationError, "tracker.Watch", "event id is required")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	prev := t.eventID
	if prev == eventID {
		t.mu.Unlock()
		return nil
	}
	t.epoch++
	epoch := t.epoch
	t.eventID = eventID
	t.staff, t.stats, t.partial = nil, Stats{}, false
	t.mu.Unlock()

	if prev != "" {
		t.registry.Release(ctx, t, prev)
	}
	// Subscribe before fetching so changes made during the fetch are seen.
	if err := t.registry.Acquire(ctx, t, eventID); err != nil {
		t.mu.Lock()
		if t.epoch == epoch {
			t.eventID = ""
		}
		t.mu.Unlock()
		return err
	}

	staff, err := t.dir.Refresh(ctx, eventID)
	if err != nil {
		return err
	}
	t.apply(ctx, epoch, staff, false)
	return nil
}

// Switch moves the tracker to eventID, fully tearing down the old event first.
func (t *Tracker) Switch(ctx context.Context, eventID string) error {
	return t.Watch(ctx, eventID)
}

// Close releases the tracker. Fetches still in flight are discarded.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.epoch++
	prev := t.eventID
	t.eventID = ""
	t.listeners = nil
	t.mu.Unlock()

	if prev != "" {
		t.registry.Release(ctx, t, prev)
	}
	metrics.AddTrackerConsumers(-1)
}

// OnUpdate registers fn to receive every new snapshot.
func (t *Tracker) OnUpdate(fn func(Snapshot)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		EventID:   t.eventID,
		Staff:     cache.CloneRoster(t.staff),
		Stats:     t.stats,
		Partial:   t.partial,
		UpdatedAt: t.updatedAt,
	}
}

// apply installs staff if the tracker is still on the epoch that fetched it.
func (t *Tracker) apply(ctx context.Context, epoch uint64, staff []model.StaffMember, partial bool) bool {
	t.mu.Lock()
	if t.closed || t.epoch != epoch {
		t.mu.Unlock()
		t.logger.Debug(ctx, "discarding stale roster", logger.String("tracker_id", t.id))
		return false
	}
	t.staff = cache.CloneRoster(staff)
	t.stats = Summarize(t.staff)
	t.partial = partial
	t.updatedAt = t.now()
	snap := t.snapshotLocked()
	listeners := append([]func(Snapshot){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return true
}

// offer applies a roster fetched on behalf of every consumer of eventID.
func (t *Tracker) offer(ctx context.Context, eventID string, staff []model.StaffMember, partial bool) {
	t.mu.RLock()
	epoch, current := t.epoch, t.eventID
	t.mu.RUnlock()
	if current != eventID {
		return
	}
	t.apply(ctx, epoch, staff, partial)
}

// fetch produces a fresh roster for eventID: incremental when the current
// roster is larger than the threshold, full otherwise.
func (t *Tracker) fetch(ctx context.Context, eventID string) ([]model.StaffMember, bool, error) {
	t.mu.RLock()
	current := cache.CloneRoster(t.staff)
	t.mu.RUnlock()

	if len(current) <= t.threshold {
		staff, err := t.dir.Refresh(ctx, eventID)
		return staff, false, err
	}

	changed, err := t.dir.ChangedSince(ctx, eventID, t.now().Add(-t.window))
	if err != nil {
		return nil, false, err
	}
	patched := Patch(current, changed)
	if t.cache != nil {
		t.cache.Rosters.SetPartial(ctx, eventID, patched)
	}
	t.logger.Debug(ctx, "roster patched",
		logger.String("event_id", eventID),
		logger.Int("changed", len(changed)),
		logger.Int("roster", len(patched)),
	)
	return patched, true, nil
}

// Patch upserts eligible changed rows into current and removes the rest.
func Patch(current, changed []model.StaffMember) []model.StaffMember {
	out := cache.CloneRoster(current)
	idx := make(map[string]int, len(out))
	for i, s := range out {
		idx[s.ID] = i
	}
	removed := make(map[string]bool)
	for _, c := range changed {
		i, ok := idx[c.ID]
		switch {
		case c.Eligible() && ok:
			out[i] = c
			delete(removed, c.ID)
		case c.Eligible():
			idx[c.ID] = len(out)
			out = append(out, c)
		case ok:
			removed[c.ID] = true
		}
	}
	if len(removed) == 0 {
		return out
	}
	kept := out[:0]
	for _, s := range out {
		if !removed[s.ID] {
			kept = append(kept, s)
		}
	}
	return kept
}

func clampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}

// SetPageSize changes the page size, capped at MaxPageSize.
func (t *Tracker) SetPageSize(n int) {
	t.mu.Lock()
	t.pageSize = clampPageSize(n)
	t.mu.Unlock()
}

// PageSize returns the current page size.
func (t *Tracker) PageSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pageSize
}

// PageCount returns the number of pages over the roster.
func (t *Tracker) PageCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return (len(t.staff) + t.pageSize - 1) / t.pageSize
}

// Page returns page n (1-based) of the roster without fetching.
func (t *Tracker) Page(n int) []model.StaffMember {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := (n - 1) * t.pageSize
	if n < 1 || start >= len(t.staff) {
		return []model.StaffMember{}
	}
	end := min(start+t.pageSize, len(t.staff))
	return cache.CloneRoster(t.staff[start:end])
}

func (t *Tracker) filter(keep func(model.StaffMember) bool) []model.StaffMember {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []model.StaffMember{}
	for _, s := range t.staff {
		if keep(s) {
			out = append(out, s)
		}
	}
	return cache.CloneRoster(out)
}

// FilterBySkill returns staff holding skill.
func (t *Tracker) FilterBySkill(skill string) []model.StaffMember {
	return t.filter(func(s model.StaffMember) bool { return s.HasSkill(skill) })
}

// FilterByAvailability returns staff in state a.
func (t *Tracker) FilterByAvailability(a model.Availability) []model.StaffMember {
	return t.filter(func(s model.StaffMember) bool { return s.Availability == a })
}

// FilterByWorkload returns staff with at most limit active assignments.
func (t *Tracker) FilterByWorkload(limit int) []model.StaffMember {
	return t.filter(func(s model.StaffMember) bool { return s.ActiveAssignments <= limit })
}

// FilterByProximity returns located staff within km of p, nearest first.
// Staff with invalid coordinates are left out.
func (t *Tracker) FilterByProximity(p geo.Point, km float64) ([]model.StaffMember, error) {
	if err := p.Validate(); err != nil {
		return nil, fault.Wrap(fault.ValidationError, "tracker.FilterByProximity", err, "invalid point")
	}
	dist := make(map[string]float64)
	out := t.filter(func(s model.StaffMember) bool {
		if s.Location == nil {
			return false
		}
		d, err := geo.Distance(p, *s.Location)
		if err != nil || d > km {
			return false
		}
		dist[s.ID] = d
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return dist[out[i].ID] < dist[out[j].ID] })
	return out, nil
}

// Suggested intersects the live roster with the ranker's output, best first.
// A non-positive limit returns every ranked entry.
func (t *Tracker) Suggested(ctx context.Context, ic model.IncidentContext, limit int) ([]Suggestion, error) {
	if t.ranker == nil {
		return nil, ErrNoRanker
	}
	snap := t.Snapshot()
	if snap.EventID == "" {
		return []Suggestion{}, nil
	}
	scores, err := t.ranker.Rank(ctx, snap.EventID, ic, snap.Staff)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.StaffMember, len(snap.Staff))
	for _, s := range snap.Staff {
		byID[s.ID] = s
	}
	out := []Suggestion{}
	for _, sc := range scores {
		s, ok := byID[sc.StaffID]
		if !ok {
			continue
		}
		out = append(out, Suggestion{Staff: s, Score: sc})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
