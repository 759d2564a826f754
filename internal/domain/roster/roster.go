// Package roster is the staff directory: it reads event rosters from the
// data store, validates them at the boundary and caches them per event.
package roster

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okian/rota/internal/domain/cache"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"
)

// DefaultTimeout bounds one upstream fetch.
const DefaultTimeout = 10 * time.Second

// Fetch modes reported to metrics.
const (
	ModeCached      = "cached"
	ModeFull        = "full"
	ModeIncremental = "incremental"
	ModeLookup      = "lookup"
)

// Source is the staff part of the data store.
type Source interface {
	ListAvailableStaff(ctx context.Context, eventID string) ([]model.StaffRecord, error)
	ListStaffChangedSince(ctx context.Context, eventID string, since time.Time) ([]model.StaffRecord, error)
	GetStaff(ctx context.Context, eventID string, ids []string) ([]model.StaffRecord, error)
}

// Directory is the StaffDirectory. It is safe for concurrent use.
type Directory struct {
	src     Source
	cache   *cache.Store
	timeout time.Duration
	group   singleflight.Group
	logger  logger.Logger
}

// New builds a Directory over src, caching rosters in c.
func New(src Source, c *cache.Store, opts ...Option) *Directory {
	d := &Directory{
		src:     src,
		cache:   c,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Get().Named("roster")
	}
	return d
}

// ListAvailable returns the event's active, available staff. Cached rosters
// are served when fresh; otherwise one denormalized query repopulates them.
func (d *Directory) ListAvailable(ctx context.Context, eventID string) ([]model.StaffMember, error) {
	if eventID == "" {
		return nil, fault.New(fault.ValidationError, "roster.ListAvailable", "event id is required")
	}
	if staff, ok := d.cache.Rosters.Get(eventID); ok {
		metrics.RecordRosterFetch(ModeCached)
		return staff, nil
	}
	return d.fetch(ctx, eventID, "list:")
}

// Refresh bypasses the cache, refetches the full roster and stores it.
func (d *Directory) Refresh(ctx context.Context, eventID string) ([]model.StaffMember, error) {
	if eventID == "" {
		return nil, fault.New(fault.ValidationError, "roster.Refresh", "event id is required")
	}
	return d.fetch(ctx, eventID, "refresh:")
}

// fetch shares one upstream query between concurrent callers. The query runs
// detached from any single caller, so a caller that goes away only stops
// waiting for itself.
func (d *Directory) fetch(ctx context.Context, eventID, flight string) ([]model.StaffMember, error) {
	shared := context.WithoutCancel(ctx)
	ch := d.group.DoChan(flight+eventID, func() (any, error) {
		recs, err := d.call(shared, "roster.ListAvailable", func(ctx context.Context) ([]model.StaffRecord, error) {
			return d.src.ListAvailableStaff(ctx, eventID)
		})
		if err != nil {
			return nil, err
		}
		staff := d.decodeAll(shared, eventID, recs, true)
		metrics.RecordRosterFetch(ModeFull)
		d.cache.Rosters.Set(shared, eventID, staff)
		return staff, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cache.CloneRoster(res.Val.([]model.StaffMember)), nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.TimeoutError, "roster.ListAvailable", ctx.Err(), "roster fetch abandoned by caller")
	}
}

// ChangedSince returns validated staff rows of any availability that changed
// at or after since. Results are not cached.
func (d *Directory) ChangedSince(ctx context.Context, eventID string, since time.Time) ([]model.StaffMember, error) {
	if eventID == "" {
		return nil, fault.New(fault.ValidationError, "roster.ChangedSince", "event id is required")
	}
	recs, err := d.call(ctx, "roster.ChangedSince", func(ctx context.Context) ([]model.StaffRecord, error) {
		return d.src.ListStaffChangedSince(ctx, eventID, since)
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordRosterFetch(ModeIncremental)
	return d.decodeAll(ctx, eventID, recs, false), nil
}

// Lookup returns the requested staff regardless of availability, plus the
// ids the store did not know.
func (d *Directory) Lookup(ctx context.Context, eventID string, ids []string) ([]model.StaffMember, []string, error) {
	if eventID == "" {
		return nil, nil, fault.New(fault.ValidationError, "roster.Lookup", "event id is required")
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	recs, err := d.call(ctx, "roster.Lookup", func(ctx context.Context) ([]model.StaffRecord, error) {
		return d.src.GetStaff(ctx, eventID, ids)
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordRosterFetch(ModeLookup)
	staff := d.decodeAll(ctx, eventID, recs, false)

	found := make(map[string]struct{}, len(staff))
	for _, s := range staff {
		found[s.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return staff, missing, nil
}

// call runs fn under the fetch timeout and classifies its failure.
func (d *Directory) call(ctx context.Context, op string, fn func(context.Context) ([]model.StaffRecord, error)) ([]model.StaffRecord, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	recs, err := fn(ctx)
	metrics.RecordRosterFetchLatency(float64(time.Since(start).Milliseconds()))
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			err = fault.Wrap(fault.TimeoutError, op, err, "staff fetch exceeded "+d.timeout.String())
		case context.Canceled:
			err = fault.Wrap(fault.TimeoutError, op, err, "staff fetch cancelled")
		default:
			err = fault.Classify(op, err)
		}
		metrics.RecordError("roster", string(fault.KindOf(err)))
		d.logger.Error(ctx, "staff fetch failed", logger.String("op", op), logger.Error(err))
		return nil, err
	}
	return recs, nil
}

// decodeAll validates recs, dropping malformed ones. When eligibleOnly is
// set, rows that are not active and available are dropped as well.
func (d *Directory) decodeAll(ctx context.Context, eventID string, recs []model.StaffRecord, eligibleOnly bool) []model.StaffMember {
	out := make([]model.StaffMember, 0, len(recs))
	for _, rec := range recs {
		m, err := Decode(rec)
		if err != nil {
			ferr := fault.Wrap(fault.InvalidData, "roster.decode", err, "dropping malformed staff record").
				With("staff_id", rec.ID).
				With("event_id", eventID)
			metrics.RecordRecordDropped()
			metrics.RecordError("roster", string(fault.InvalidData))
			d.logger.Warn(ctx, "staff record dropped", logger.Error(ferr))
			continue
		}
		if eligibleOnly && !m.Eligible() {
			continue
		}
		out = append(out, m)
	}
	return out
}
