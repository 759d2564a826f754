package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
)

// Postgres error codes the engine branches on.
const (
	pqUndefinedTable        = "42P01"
	pqInsufficientPrivilege = "42501"
	pqConnectionException   = "08000"
	pqConnectionFailure     = "08006"
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 5
	defaultConnMaxLifetime  = 5 * time.Minute
)

// staffSelect denormalizes open-incident counts and the latest callsign
// location onto each staff row in a single round trip.
const staffSelect = `
SELECT s.id, s.name, s.skills, s.availability_status, s.active,
       COALESCE(s.max_assignments, 0), COALESCE(s.company_id, ''), s.event_id, s.updated_at,
       COALESCE(ic.open_count, 0), loc.latitude, loc.longitude
FROM staff s
LEFT JOIN LATERAL (
    SELECT count(*) AS open_count
    FROM incident_logs i
    WHERE i.event_id = s.event_id AND i.is_closed = false AND s.id = ANY(i.assigned_staff_ids)
) ic ON true
LEFT JOIN LATERAL (
    SELECT c.latitude, c.longitude, c.updated_at
    FROM callsign_assignments c
    WHERE c.event_id = s.event_id AND c.staff_id = s.id
    ORDER BY c.updated_at DESC
    LIMIT 1
) loc ON true
`

// PostgresStore implements Store over database/sql with lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", translate(err))
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the underlying pool.
func (p *PostgresStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// translate maps driver errors onto the sentinels fault.Classify understands.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", fault.ErrNotFound, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUndefinedTable:
			return fmt.Errorf("%w: %w", fault.ErrTableNotFound, err)
		case pqInsufficientPrivilege:
			return fmt.Errorf("%w: %w", fault.ErrPermissionDenied, err)
		case pqConnectionException, pqConnectionFailure:
			return fmt.Errorf("%w: %w", fault.ErrUnavailable, err)
		}
	}
	return err
}

func (p *PostgresStore) queryStaff(ctx context.Context, where string, args ...any) ([]model.StaffRecord, error) {
	rows, err := p.db.QueryContext(ctx, staffSelect+where, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []model.StaffRecord
	for rows.Next() {
		var (
			rec      model.StaffRecord
			skills   []byte
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &skills, &rec.AvailabilityStatus, &rec.Active,
			&rec.MaxAssignments, &rec.OrganizationID, &rec.EventID, &rec.UpdatedAt,
			&rec.ActiveAssignments, &lat, &lng); err != nil {
			return nil, translate(err)
		}
		rec.Skills = skills
		if lat.Valid && lng.Valid {
			la, ln := lat.Float64, lng.Float64
			rec.Lat, rec.Lng = &la, &ln
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// ListAvailableStaff implements Store.
func (p *PostgresStore) ListAvailableStaff(ctx context.Context, eventID string) ([]model.StaffRecord, error) {
	return p.queryStaff(ctx,
		`WHERE s.event_id = $1 AND s.active = true AND s.availability_status = 'available' ORDER BY s.name`,
		eventID)
}

// ListStaffChangedSince implements Store.
func (p *PostgresStore) ListStaffChangedSince(ctx context.Context, eventID string, since time.Time) ([]model.StaffRecord, error) {
	return p.queryStaff(ctx, `
WHERE s.event_id = $1 AND (
    s.updated_at >= $2
    OR loc.updated_at >= $2
    OR EXISTS (
        SELECT 1 FROM incident_logs i
        WHERE i.event_id = s.event_id AND i.updated_at >= $2 AND s.id = ANY(i.assigned_staff_ids)
    )
)
ORDER BY s.name`, eventID, since)
}

// GetStaff implements Store.
func (p *PostgresStore) GetStaff(ctx context.Context, eventID string, ids []string) ([]model.StaffRecord, error) {
	return p.queryStaff(ctx, `WHERE s.event_id = $1 AND s.id = ANY($2)`, eventID, pq.Array(ids))
}

// GetIncident implements Store.
func (p *PostgresStore) GetIncident(ctx context.Context, incidentID string) (model.Incident, error) {
	var (
		inc      model.Incident
		priority string
		staff    pq.StringArray
		notes    sql.NullString
		lat, lng sql.NullFloat64
		closed   bool
	)
	err := p.db.QueryRowContext(ctx, `
SELECT id, event_id, incident_type, COALESCE(priority, 'medium'), latitude, longitude,
       COALESCE(assigned_staff_ids, '{}'), COALESCE(auto_assigned, false), assignment_notes, is_closed
FROM incident_logs WHERE id = $1`, incidentID).Scan(
		&inc.ID, &inc.EventID, &inc.Type, &priority, &lat, &lng,
		&staff, &inc.AutoAssigned, &notes, &closed)
	if err != nil {
		return model.Incident{}, translate(err)
	}
	inc.Priority = model.ParsePriority(priority)
	inc.AssignedStaffIDs = []string(staff)
	inc.Notes = notes.String
	inc.Open = !closed
	if lat.Valid && lng.Valid {
		inc.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return inc, nil
}

// UpdateIncidentAssignment implements Store. Staff released from the
// incident get their updated_at bumped in the same transaction, so the
// changed-since query sees their lower open count; the EXISTS clause alone
// only finds current assignees.
func (p *PostgresStore) UpdateIncidentAssignment(ctx context.Context, incidentID string, u model.AssignmentUpdate) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var prev pq.StringArray
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(assigned_staff_ids, '{}') FROM incident_logs WHERE id = $1 FOR UPDATE`,
		incidentID).Scan(&prev)
	if err != nil {
		return translate(err)
	}

	if _, err = tx.ExecContext(ctx, `
UPDATE incident_logs
SET assigned_staff_ids = $2, auto_assigned = $3, assignment_notes = $4, updated_at = now()
WHERE id = $1`, incidentID, pq.Array(u.StaffIDs), u.AutoAssigned, u.Notes); err != nil {
		return translate(err)
	}

	if released := Released(prev, u.StaffIDs); len(released) > 0 {
		if _, err = tx.ExecContext(ctx,
			`UPDATE staff SET updated_at = now() WHERE id = ANY($1)`, pq.Array(released)); err != nil {
			return translate(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

// ListRules implements Store.
func (p *PostgresStore) ListRules(ctx context.Context, eventID string) ([]model.AssignmentRule, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT incident_type, required_skills, max_distance_km, max_assignments, priority, auto_assign
FROM assignment_rules
WHERE COALESCE(event_id, '') = $1 AND is_active = true
ORDER BY incident_type`, eventID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []model.AssignmentRule
	for rows.Next() {
		var (
			r        model.AssignmentRule
			skills   pq.StringArray
			priority string
		)
		if err := rows.Scan(&r.IncidentType, &skills, &r.MaxDistanceKM, &r.MaxAssignments, &priority, &r.AutoAssign); err != nil {
			return nil, translate(err)
		}
		r.RequiredSkills = []string(skills)
		r.Priority = model.RulePriority(priority)
		r.EventID = eventID
		r.Active = true
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// UpsertRule implements Store. Global rules are keyed by an empty event_id
// so the (event_id, incident_type) unique key matches them on conflict.
func (p *PostgresStore) UpsertRule(ctx context.Context, r model.AssignmentRule) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO assignment_rules (event_id, incident_type, required_skills, max_distance_km, max_assignments, priority, auto_assign, is_active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (event_id, incident_type) DO UPDATE SET
    required_skills = EXCLUDED.required_skills,
    max_distance_km = EXCLUDED.max_distance_km,
    max_assignments = EXCLUDED.max_assignments,
    priority = EXCLUDED.priority,
    auto_assign = EXCLUDED.auto_assign,
    is_active = EXCLUDED.is_active,
    updated_at = now()`, upsertRuleArgs(r)...)
	return translate(err)
}

func upsertRuleArgs(r model.AssignmentRule) []any {
	return []any{
		r.EventID, model.NormalizeType(r.IncidentType), pq.Array(r.RequiredSkills),
		r.MaxDistanceKM, r.MaxAssignments, string(r.Priority), r.AutoAssign, r.Active,
	}
}

// DeactivateRule implements Store.
func (p *PostgresStore) DeactivateRule(ctx context.Context, eventID, incidentType string) error {
	res, err := p.db.ExecContext(ctx, `
UPDATE assignment_rules SET is_active = false, updated_at = now()
WHERE COALESCE(event_id, '') = $1 AND incident_type = $2`, eventID, model.NormalizeType(incidentType))
	if err != nil {
		return translate(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("rule %s: %w", incidentType, fault.ErrNotFound)
	}
	return nil
}
