package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryStoreJoin(t *testing.T) {
	Convey("Given a memory store with staff, incidents and locations", t, func() {
		ctx := context.Background()
		m := NewMemoryStore()
		m.PutStaff("evt-1", model.StaffMember{ID: "a", Name: "Alice", Skills: []string{"medical"}, Availability: model.Available, Active: true, Location: &geo.Point{Lat: 51.5, Lng: -0.1}})
		m.PutStaff("evt-1", model.StaffMember{ID: "b", Name: "Bob", Availability: model.Busy, Active: true})
		m.PutStaff("evt-1", model.StaffMember{ID: "c", Name: "Cara", Availability: model.Available, Active: false})
		m.PutStaff("evt-2", model.StaffMember{ID: "d", Name: "Dan", Availability: model.Available, Active: true})
		m.PutIncident(model.Incident{ID: "i1", EventID: "evt-1", Open: true, AssignedStaffIDs: []string{"a"}})
		m.PutIncident(model.Incident{ID: "i2", EventID: "evt-1", Open: false, AssignedStaffIDs: []string{"a"}})

		Convey("When listing available staff", func() {
			rows, err := m.ListAvailableStaff(ctx, "evt-1")

			Convey("Then only active available staff of the event are returned with derived fields", func() {
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 1)
				So(rows[0].ID, ShouldEqual, "a")
				So(rows[0].ActiveAssignments, ShouldEqual, 1)
				So(*rows[0].Lat, ShouldEqual, 51.5)
				So(string(rows[0].Skills), ShouldEqual, `["medical"]`)
				So(m.RowsServed(), ShouldEqual, 1)
				So(m.Calls(MethodListAvailable), ShouldEqual, 1)
			})
		})

		Convey("When assignments are written", func() {
			err := m.UpdateIncidentAssignment(ctx, "i1", model.AssignmentUpdate{StaffIDs: []string{"b"}, AutoAssigned: true, Notes: "n"})
			So(err, ShouldBeNil)

			Convey("Then the incident and derived counts follow", func() {
				inc, _ := m.Incident("i1")
				So(inc.AssignedStaffIDs, ShouldResemble, []string{"b"})
				So(inc.AutoAssigned, ShouldBeTrue)
				rows, _ := m.GetStaff(ctx, "evt-1", []string{"a", "b"})
				So(len(rows), ShouldEqual, 2)
				So(rows[0].ActiveAssignments, ShouldEqual, 0)
				So(rows[1].ActiveAssignments, ShouldEqual, 1)
			})
		})

		Convey("When an unknown incident is read", func() {
			_, err := m.GetIncident(ctx, "missing")
			So(errors.Is(err, fault.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestMemoryStoreChangedSince(t *testing.T) {
	Convey("Given staff touched at different times", t, func() {
		ctx := context.Background()
		now := time.Date(2026, 7, 1, 18, 0, 0, 0, time.UTC)
		m := NewMemoryStore()
		m.SetClock(func() time.Time { return now })
		m.PutStaff("evt-1", model.StaffMember{ID: "a", Name: "A", Availability: model.Available, Active: true})
		m.PutStaff("evt-1", model.StaffMember{ID: "b", Name: "B", Availability: model.Available, Active: true})

		now = now.Add(time.Minute)
		m.UpdateStaff("b", func(r *model.StaffRecord) { r.AvailabilityStatus = string(model.Offline) })

		Convey("Then only rows touched after the cutoff are returned, whatever their availability", func() {
			rows, err := m.ListStaffChangedSince(ctx, "evt-1", now.Add(-time.Second))
			So(err, ShouldBeNil)
			So(len(rows), ShouldEqual, 1)
			So(rows[0].ID, ShouldEqual, "b")
			So(rows[0].AvailabilityStatus, ShouldEqual, "offline")
		})
	})
}

func TestReassignmentReportsReleasedStaff(t *testing.T) {
	Convey("Given an open incident assigned to a and b", t, func() {
		ctx := context.Background()
		now := time.Date(2026, 7, 1, 18, 0, 0, 0, time.UTC)
		m := NewMemoryStore()
		m.SetClock(func() time.Time { return now })
		for _, id := range []string{"a", "b", "c"} {
			m.PutStaff("evt-1", model.StaffMember{ID: id, Name: id, Availability: model.Available, Active: true})
		}
		m.PutIncident(model.Incident{ID: "inc-1", EventID: "evt-1", Type: "medical", Open: true, AssignedStaffIDs: []string{"a", "b"}})

		Convey("When it is reassigned to b and c", func() {
			now = now.Add(time.Minute)
			So(m.UpdateIncidentAssignment(ctx, "inc-1", model.AssignmentUpdate{StaffIDs: []string{"b", "c"}}), ShouldBeNil)

			rows, err := m.ListStaffChangedSince(ctx, "evt-1", now.Add(-time.Second))
			So(err, ShouldBeNil)
			counts := map[string]int{}
			for _, r := range rows {
				counts[r.ID] = r.ActiveAssignments
			}

			Convey("Then the released assignee is reported with its lower count", func() {
				So(counts, ShouldContainKey, "a")
				So(counts["a"], ShouldEqual, 0)
				So(counts["c"], ShouldEqual, 1)
			})
		})
	})

	Convey("Released lists ids dropped by a reassignment", t, func() {
		So(Released([]string{"a", "b", "a", "d"}, []string{"b", "c"}), ShouldResemble, []string{"a", "d"})
		So(Released(nil, []string{"b"}), ShouldBeNil)
		So(Released([]string{"b"}, []string{"b"}), ShouldBeNil)
	})
}

func TestMemoryStoreRulesAndFailures(t *testing.T) {
	Convey("Given persisted rules", t, func() {
		ctx := context.Background()
		m := NewMemoryStore()
		So(m.UpsertRule(ctx, model.AssignmentRule{EventID: "evt-1", IncidentType: "Medical", Active: true, MaxAssignments: 2}), ShouldBeNil)
		So(m.UpsertRule(ctx, model.AssignmentRule{IncidentType: "fire", Active: true}), ShouldBeNil)

		Convey("Then listing is scoped and soft deletes hide rules", func() {
			rules, _ := m.ListRules(ctx, "evt-1")
			So(len(rules), ShouldEqual, 1)
			So(rules[0].IncidentType, ShouldEqual, "medical")
			So(m.DeactivateRule(ctx, "evt-1", "MEDICAL"), ShouldBeNil)
			rules, _ = m.ListRules(ctx, "evt-1")
			So(len(rules), ShouldEqual, 0)
			global, _ := m.ListRules(ctx, "")
			So(len(global), ShouldEqual, 1)
		})

		Convey("Then injected failures fire once", func() {
			m.FailNext(MethodListRules, fault.ErrPermissionDenied)
			_, err := m.ListRules(ctx, "evt-1")
			So(errors.Is(err, fault.ErrPermissionDenied), ShouldBeTrue)
			_, err = m.ListRules(ctx, "evt-1")
			So(err, ShouldBeNil)
		})

		Convey("Then latency honors context deadlines", func() {
			m.SetLatency(50 * time.Millisecond)
			tctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
			defer cancel()
			_, err := m.ListRules(tctx, "evt-1")
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
		})
	})
}

func TestTranslate(t *testing.T) {
	Convey("Given driver errors", t, func() {
		So(errors.Is(translate(&pq.Error{Code: pqUndefinedTable}), fault.ErrTableNotFound), ShouldBeTrue)
		So(errors.Is(translate(&pq.Error{Code: pqInsufficientPrivilege}), fault.ErrPermissionDenied), ShouldBeTrue)
		So(errors.Is(translate(&pq.Error{Code: pqConnectionFailure}), fault.ErrUnavailable), ShouldBeTrue)
		So(errors.Is(translate(sql.ErrNoRows), fault.ErrNotFound), ShouldBeTrue)
		So(translate(nil), ShouldBeNil)

		other := errors.New("syntax")
		So(translate(other), ShouldEqual, other)
	})
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	Convey("OpenPostgres rejects an empty dsn before dialing", t, func() {
		store, err := OpenPostgres(context.Background(), "")
		So(store, ShouldBeNil)
		So(errors.Is(err, ErrEmptyDSN), ShouldBeTrue)
	})
}

func TestUpsertRuleArgsKeyGlobalRules(t *testing.T) {
	Convey("Given a global and an event scoped rule", t, func() {
		global := upsertRuleArgs(model.AssignmentRule{IncidentType: " Security ", MaxAssignments: 2, Priority: model.RuleHigh, Active: true})
		scoped := upsertRuleArgs(model.AssignmentRule{EventID: "evt-1", IncidentType: "security", MaxAssignments: 2})

		Convey("Then the global rule binds a non-null empty event id", func() {
			So(global[0], ShouldEqual, "")
			So(global[1], ShouldEqual, "security")
			So(global[5], ShouldEqual, "high")
			So(scoped[0], ShouldEqual, "evt-1")
			So(len(global), ShouldEqual, 8)
		})
	})
}
