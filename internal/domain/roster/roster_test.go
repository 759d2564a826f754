package roster_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/okian/rota/internal/adapters/repository"
	"github.com/okian/rota/internal/domain/cache"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/internal/domain/roster"
	"github.com/okian/rota/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func member(id string, skills ...string) model.StaffMember {
	return model.StaffMember{ID: id, Name: "Staff " + id, Skills: skills, Availability: model.Available, Active: true}
}

func seed() *repository.MemoryStore {
	repo := repository.NewMemoryStore()
	a := member("a", "medical")
	a.Location = &geo.Point{Lat: 51.5, Lng: -0.12}
	a.ActiveAssignments = 1
	repo.PutStaff("evt-1", a)
	repo.PutStaff("evt-1", member("b", "security", "security"))
	off := member("c")
	off.Availability = model.Offline
	repo.PutStaff("evt-1", off)
	repo.PutStaff("evt-2", member("d"))
	return repo
}

func TestListAvailable(t *testing.T) {
	Convey("Given a directory over a seeded store", t, func() {
		ctx := context.Background()
		repo := seed()
		c := cache.New()
		dir := roster.New(repo, c)

		Convey("When the event id is missing", func() {
			_, err := dir.ListAvailable(ctx, "")

			Convey("Then it fails before any I/O", func() {
				So(fault.KindOf(err), ShouldEqual, fault.ValidationError)
				So(repo.Calls(repository.MethodListAvailable), ShouldEqual, 0)
			})
		})

		Convey("When the roster is listed twice", func() {
			first, err := dir.ListAvailable(ctx, "evt-1")
			So(err, ShouldBeNil)
			second, err := dir.ListAvailable(ctx, "evt-1")
			So(err, ShouldBeNil)

			Convey("Then only eligible staff are returned with denormalized fields", func() {
				So(len(first), ShouldEqual, 2)
				So(first[0].ID, ShouldEqual, "a")
				So(first[0].ActiveAssignments, ShouldEqual, 1)
				So(first[0].Location, ShouldNotBeNil)
				So(first[0].MaxAssignments, ShouldEqual, model.DefaultMaxAssignments)
				So(first[1].Skills, ShouldResemble, []string{"security"})
			})

			Convey("And the second call is served from cache", func() {
				So(second, ShouldResemble, first)
				So(repo.Calls(repository.MethodListAvailable), ShouldEqual, 1)
			})

			Convey("And mutating the result does not touch the cache", func() {
				first[0].Skills[0] = "changed"
				again, _ := dir.ListAvailable(ctx, "evt-1")
				So(again[0].Skills[0], ShouldEqual, "medical")
			})

			Convey("And Refresh bypasses the cache", func() {
				_, err := dir.Refresh(ctx, "evt-1")
				So(err, ShouldBeNil)
				So(repo.Calls(repository.MethodListAvailable), ShouldEqual, 2)
			})
		})
	})
}

func TestMalformedRecords(t *testing.T) {
	Convey("Given a store holding malformed rows", t, func() {
		ctx := context.Background()
		repo := seed()
		repo.PutStaffRecord(model.StaffRecord{ID: "x", Name: "", Skills: json.RawMessage(`[]`), AvailabilityStatus: "available", Active: true, EventID: "evt-1"})
		repo.PutStaffRecord(model.StaffRecord{ID: "y", Name: "Y", Skills: json.RawMessage(`"medical"`), AvailabilityStatus: "available", Active: true, EventID: "evt-1"})
		repo.PutStaffRecord(model.StaffRecord{ID: "z", Name: "Z", Skills: json.RawMessage(`null`), AvailabilityStatus: "available", Active: true, EventID: "evt-1"})
		dir := roster.New(repo, cache.New())

		Convey("When the roster is listed", func() {
			staff, err := dir.ListAvailable(ctx, "evt-1")

			Convey("Then malformed rows are dropped without failing the call", func() {
				So(err, ShouldBeNil)
				ids := make([]string, 0, len(staff))
				for _, s := range staff {
					ids = append(ids, s.ID)
				}
				So(ids, ShouldResemble, []string{"a", "b", "z"})
			})
		})
	})

	Convey("Given raw records", t, func() {
		lat := 12.0
		_, err := roster.Decode(model.StaffRecord{ID: " ", Name: "n", AvailabilityStatus: "available"})
		So(err, ShouldNotBeNil)
		_, err = roster.Decode(model.StaffRecord{ID: "i", Name: "n", Skills: json.RawMessage(`[1,2]`), AvailabilityStatus: "available"})
		So(err, ShouldNotBeNil)
		_, err = roster.Decode(model.StaffRecord{ID: "i", Name: "n", AvailabilityStatus: "on_break"})
		So(err, ShouldNotBeNil)

		m, err := roster.Decode(model.StaffRecord{ID: "i", Name: "n", AvailabilityStatus: "BUSY", Lat: &lat})
		So(err, ShouldBeNil)
		So(m.Availability, ShouldEqual, model.Busy)
		So(m.Location, ShouldBeNil)
		So(m.Skills, ShouldBeEmpty)
	})
}

func TestUpstreamFailures(t *testing.T) {
	Convey("Given a directory over a faulty store", t, func() {
		ctx := context.Background()
		repo := seed()

		Convey("When the table is missing", func() {
			repo.FailNext(repository.MethodListAvailable, fault.ErrTableNotFound)
			_, err := roster.New(repo, cache.New()).ListAvailable(ctx, "evt-1")
			So(fault.KindOf(err), ShouldEqual, fault.TableNotFound)
		})

		Convey("When privileges are missing", func() {
			repo.FailNext(repository.MethodListAvailable, fault.ErrPermissionDenied)
			_, err := roster.New(repo, cache.New()).ListAvailable(ctx, "evt-1")
			So(fault.KindOf(err), ShouldEqual, fault.PermissionDenied)
		})

		Convey("When the connection drops", func() {
			repo.FailNext(repository.MethodListAvailable, errors.New("connection refused"))
			_, err := roster.New(repo, cache.New()).ListAvailable(ctx, "evt-1")
			So(fault.KindOf(err), ShouldEqual, fault.DatabaseConnection)
		})

		Convey("When the fetch exceeds its timeout", func() {
			repo.SetLatency(time.Second)
			_, err := roster.New(repo, cache.New(), roster.WithTimeout(20*time.Millisecond)).ListAvailable(ctx, "evt-1")
			So(fault.KindOf(err), ShouldEqual, fault.TimeoutError)
		})

		Convey("When the event simply has no staff", func() {
			staff, err := roster.New(repo, cache.New()).ListAvailable(ctx, "evt-empty")
			So(err, ShouldBeNil)
			So(staff, ShouldBeEmpty)
		})
	})
}

func TestSharedFetchSurvivesCancelledCaller(t *testing.T) {
	Convey("Given two callers sharing one slow roster fetch", t, func() {
		repo := seed()
		repo.SetLatency(200 * time.Millisecond)
		dir := roster.New(repo, cache.New())

		first, cancel := context.WithCancel(context.Background())
		firstErr := make(chan error, 1)
		go func() {
			_, err := dir.ListAvailable(first, "evt-1")
			firstErr <- err
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()
		time.Sleep(10 * time.Millisecond)

		staff, err := dir.ListAvailable(context.Background(), "evt-1")
		abandoned := <-firstErr

		Convey("Then only the cancelled caller fails", func() {
			So(fault.KindOf(abandoned), ShouldEqual, fault.TimeoutError)
			So(errors.Is(abandoned, context.Canceled), ShouldBeTrue)
			So(err, ShouldBeNil)
			So(len(staff), ShouldEqual, 2)
		})

		Convey("And the store is queried once", func() {
			So(repo.Calls(repository.MethodListAvailable), ShouldEqual, 1)
		})
	})
}

func TestIncrementalAndLookup(t *testing.T) {
	Convey("Given a store with a controllable clock", t, func() {
		ctx := context.Background()
		now := time.Date(2026, 7, 1, 18, 0, 0, 0, time.UTC)
		repo := repository.NewMemoryStore()
		repo.SetClock(func() time.Time { return now })
		repo.PutStaff("evt-1", member("a"))
		repo.PutStaff("evt-1", member("b"))
		dir := roster.New(repo, cache.New())

		Convey("When one row changes later", func() {
			now = now.Add(time.Minute)
			repo.UpdateStaff("b", func(r *model.StaffRecord) { r.AvailabilityStatus = string(model.Busy) })
			changed, err := dir.ChangedSince(ctx, "evt-1", now.Add(-30*time.Second))

			Convey("Then only that row is returned, whatever its availability", func() {
				So(err, ShouldBeNil)
				So(len(changed), ShouldEqual, 1)
				So(changed[0].ID, ShouldEqual, "b")
				So(changed[0].Availability, ShouldEqual, model.Busy)
			})
		})

		Convey("When staff are looked up by id", func() {
			staff, missing, err := dir.Lookup(ctx, "evt-1", []string{"a", "ghost"})
			So(err, ShouldBeNil)
			So(len(staff), ShouldEqual, 1)
			So(missing, ShouldResemble, []string{"ghost"})
		})
	})
}
