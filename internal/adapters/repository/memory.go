package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
)

// Method names accepted by MemoryStore.FailNext.
const (
	MethodListAvailable = "ListAvailableStaff"
	MethodChangedSince  = "ListStaffChangedSince"
	MethodGetStaff      = "GetStaff"
	MethodGetIncident   = "GetIncident"
	MethodUpdateAssign  = "UpdateIncidentAssignment"
	MethodListRules     = "ListRules"
	MethodUpsertRule    = "UpsertRule"
	MethodDeactivate    = "DeactivateRule"
)

type memStaff struct {
	rec     model.StaffRecord
	touched time.Time
}

type memLocation struct {
	point geo.Point
	at    time.Time
}

// MemoryStore is an in-process Store used by tests and the dev profile.
// It derives assignment counts and locations the same way the SQL join does.
type MemoryStore struct {
	mu        sync.RWMutex
	staff     map[string]*memStaff
	order     []string
	incidents map[string]model.Incident
	locations map[string]memLocation
	rules     map[string]model.AssignmentRule
	failures  map[string]error
	latency   time.Duration
	now       func() time.Time

	rowsServed atomic.Int64
	calls      sync.Map // method -> *atomic.Int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		staff:     make(map[string]*memStaff),
		incidents: make(map[string]model.Incident),
		locations: make(map[string]memLocation),
		rules:     make(map[string]model.AssignmentRule),
		failures:  make(map[string]error),
		now:       time.Now,
	}
}

// SetClock replaces time.Now for change tracking.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetLatency delays every call by d, honoring context cancellation.
func (m *MemoryStore) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// FailNext makes the next call to method return err.
func (m *MemoryStore) FailNext(method string, err error) {
	m.mu.Lock()
	m.failures[method] = err
	m.mu.Unlock()
}

// RowsServed returns the number of staff rows returned so far.
func (m *MemoryStore) RowsServed() int64 { return m.rowsServed.Load() }

// Calls returns how many times method was invoked.
func (m *MemoryStore) Calls(method string) int64 {
	v, ok := m.calls.Load(method)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (m *MemoryStore) enter(ctx context.Context, method string) error {
	v, _ := m.calls.LoadOrStore(method, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)

	m.mu.Lock()
	err := m.failures[method]
	delete(m.failures, method)
	latency := m.latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	return err
}

// PutStaff inserts or replaces a staff row. Skills are JSON encoded.
func (m *MemoryStore) PutStaff(eventID string, s model.StaffMember) {
	skills, _ := json.Marshal(s.Skills)
	rec := model.StaffRecord{
		ID:                 s.ID,
		Name:               s.Name,
		Skills:             skills,
		AvailabilityStatus: string(s.Availability),
		Active:             s.Active,
		MaxAssignments:     s.MaxAssignments,
		OrganizationID:     s.OrganizationID,
		EventID:            eventID,
	}
	m.PutStaffRecord(rec)
	if s.Location != nil {
		m.SetLocation(s.ID, *s.Location)
	}
	for i := 0; i < s.ActiveAssignments; i++ {
		id := fmt.Sprintf("seed-%s-%d", s.ID, i)
		m.PutIncident(model.Incident{ID: id, EventID: eventID, Type: "seed", Open: true, AssignedStaffIDs: []string{s.ID}})
	}
}

// PutStaffRecord inserts or replaces a raw row, bypassing encoding.
func (m *MemoryStore) PutStaffRecord(rec model.StaffRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec.UpdatedAt = now
	if _, ok := m.staff[rec.ID]; !ok {
		m.order = append(m.order, rec.ID)
	}
	m.staff[rec.ID] = &memStaff{rec: rec, touched: now}
}

// UpdateStaff applies fn to the stored row and stamps it as changed.
func (m *MemoryStore) UpdateStaff(id string, fn func(*model.StaffRecord)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.staff[id]
	if !ok {
		return false
	}
	fn(&s.rec)
	s.rec.UpdatedAt = m.now()
	s.touched = s.rec.UpdatedAt
	return true
}

// SetLocation records a callsign location for a staff member.
func (m *MemoryStore) SetLocation(staffID string, p geo.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.locations[staffID] = memLocation{point: p, at: now}
	if s, ok := m.staff[staffID]; ok {
		s.touched = now
	}
}

// PutIncident inserts or replaces an incident.
func (m *MemoryStore) PutIncident(inc model.Incident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.incidents[inc.ID]
	m.incidents[inc.ID] = inc
	m.touchLocked(prev.AssignedStaffIDs)
	m.touchLocked(inc.AssignedStaffIDs)
}

// Incident returns a stored incident.
func (m *MemoryStore) Incident(id string) (model.Incident, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	return inc, ok
}

func (m *MemoryStore) touchLocked(ids []string) {
	now := m.now()
	for _, id := range ids {
		if s, ok := m.staff[id]; ok {
			s.touched = now
		}
	}
}

// denormalizeLocked folds open incident counts and latest location into a row.
func (m *MemoryStore) denormalizeLocked(s *memStaff) model.StaffRecord {
	rec := s.rec
	rec.Skills = append([]byte(nil), rec.Skills...)
	count := 0
	for _, inc := range m.incidents {
		if !inc.Open || inc.EventID != rec.EventID {
			continue
		}
		for _, id := range inc.AssignedStaffIDs {
			if id == rec.ID {
				count++
				break
			}
		}
	}
	rec.ActiveAssignments = count
	if loc, ok := m.locations[rec.ID]; ok {
		lat, lng := loc.point.Lat, loc.point.Lng
		rec.Lat, rec.Lng = &lat, &lng
	}
	return rec
}

func (m *MemoryStore) collect(filter func(*memStaff) bool) []model.StaffRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.StaffRecord
	for _, id := range m.order {
		s := m.staff[id]
		if filter(s) {
			out = append(out, m.denormalizeLocked(s))
		}
	}
	m.rowsServed.Add(int64(len(out)))
	return out
}

// ListAvailableStaff implements Store.
func (m *MemoryStore) ListAvailableStaff(ctx context.Context, eventID string) ([]model.StaffRecord, error) {
	if err := m.enter(ctx, MethodListAvailable); err != nil {
		return nil, err
	}
	return m.collect(func(s *memStaff) bool {
		return s.rec.EventID == eventID && s.rec.Active && s.rec.AvailabilityStatus == string(model.Available)
	}), nil
}

// ListStaffChangedSince implements Store.
func (m *MemoryStore) ListStaffChangedSince(ctx context.Context, eventID string, since time.Time) ([]model.StaffRecord, error) {
	if err := m.enter(ctx, MethodChangedSince); err != nil {
		return nil, err
	}
	return m.collect(func(s *memStaff) bool {
		return s.rec.EventID == eventID && !s.touched.Before(since)
	}), nil
}

// GetStaff implements Store.
func (m *MemoryStore) GetStaff(ctx context.Context, eventID string, ids []string) ([]model.StaffRecord, error) {
	if err := m.enter(ctx, MethodGetStaff); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return m.collect(func(s *memStaff) bool {
		return want[s.rec.ID] && s.rec.EventID == eventID
	}), nil
}

// GetIncident implements Store.
func (m *MemoryStore) GetIncident(ctx context.Context, incidentID string) (model.Incident, error) {
	if err := m.enter(ctx, MethodGetIncident); err != nil {
		return model.Incident{}, err
	}
	inc, ok := m.Incident(incidentID)
	if !ok {
		return model.Incident{}, fmt.Errorf("incident %s: %w", incidentID, fault.ErrNotFound)
	}
	return inc, nil
}

// UpdateIncidentAssignment implements Store.
func (m *MemoryStore) UpdateIncidentAssignment(ctx context.Context, incidentID string, u model.AssignmentUpdate) error {
	if err := m.enter(ctx, MethodUpdateAssign); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[incidentID]
	if !ok {
		return fmt.Errorf("incident %s: %w", incidentID, fault.ErrNotFound)
	}
	m.touchLocked(Released(inc.AssignedStaffIDs, u.StaffIDs))
	inc.AssignedStaffIDs = append([]string(nil), u.StaffIDs...)
	inc.AutoAssigned = u.AutoAssigned
	inc.Notes = u.Notes
	m.incidents[incidentID] = inc
	m.touchLocked(inc.AssignedStaffIDs)
	return nil
}

func ruleKey(eventID, incidentType string) string {
	return eventID + "\x00" + model.NormalizeType(incidentType)
}

// ListRules implements Store.
func (m *MemoryStore) ListRules(ctx context.Context, eventID string) ([]model.AssignmentRule, error) {
	if err := m.enter(ctx, MethodListRules); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AssignmentRule
	for _, r := range m.rules {
		if r.EventID == eventID && r.Active {
			r.RequiredSkills = append([]string(nil), r.RequiredSkills...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentType < out[j].IncidentType })
	return out, nil
}

// UpsertRule implements Store.
func (m *MemoryStore) UpsertRule(ctx context.Context, rule model.AssignmentRule) error {
	if err := m.enter(ctx, MethodUpsertRule); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rule.IncidentType = model.NormalizeType(rule.IncidentType)
	rule.RequiredSkills = append([]string(nil), rule.RequiredSkills...)
	m.rules[ruleKey(rule.EventID, rule.IncidentType)] = rule
	return nil
}

// DeactivateRule implements Store.
func (m *MemoryStore) DeactivateRule(ctx context.Context, eventID, incidentType string) error {
	if err := m.enter(ctx, MethodDeactivate); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleKey(eventID, incidentType)
	r, ok := m.rules[key]
	if !ok {
		return fmt.Errorf("rule %s: %w", incidentType, fault.ErrNotFound)
	}
	r.Active = false
	m.rules[key] = r
	return nil
}
