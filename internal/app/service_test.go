package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/rota/internal/adapters/realtime"
	"github.com/okian/rota/internal/adapters/repository"
	service "github.com/okian/rota/internal/app"
	"github.com/okian/rota/internal/config"
	"github.com/okian/rota/internal/domain/assign"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

var venue = geo.Point{Lat: 51.5560, Lng: -0.2795}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.Debounce = 20 * time.Millisecond
	cfg.WorkerCount = 2
	return cfg
}

func seed(store *repository.MemoryStore) {
	for i, id := range []string{"s1", "s2", "s3", "s4"} {
		store.PutStaff("evt-1", model.StaffMember{
			ID:           id,
			Name:         "Steward " + id,
			Skills:       []string{"security"},
			Availability: model.Available,
			Active:       true,
			Location:     &geo.Point{Lat: venue.Lat + float64(i)/1000, Lng: venue.Lng},
		})
	}
	store.PutIncident(model.Incident{ID: "inc-1", EventID: "evt-1", Type: "security", Priority: model.PriorityHigh, Location: &venue, Open: true})
	store.PutIncident(model.Incident{ID: "inc-2", EventID: "evt-1", Type: "lost_property", Priority: model.PriorityLow, Open: true})
	store.PutIncident(model.Incident{ID: "inc-9", EventID: "evt-9", Type: "security", Open: true})
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New(service.WithConfig(testConfig()))

		Convey("When used before starting", func() {
			_, err := svc.Assign(context.Background(), assign.Request{})
			stats := svc.GetStats()

			Convey("Then operations are refused", func() {
				So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
				So(stats["started"], ShouldEqual, false)
			})
		})

		Convey("When starting and stopping the service", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := svc.Start(ctx)
			So(err, ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)

			Convey("Then it should report as started", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, true)
				So(stats["workerCount"], ShouldEqual, 2)
				So(stats["queueLength"], ShouldEqual, 0)
			})

			Convey("And it should be marked as stopped afterwards", func() {
				svc.Stop(ctx)
				svc.Stop(ctx)
				So(svc.GetStats()["started"], ShouldEqual, false)
			})
		})

		Convey("When redis locking points at nothing", func() {
			cfg := testConfig()
			cfg.LockMode = config.LockRedis
			cfg.RedisAddr = "127.0.0.1:1"
			bad := service.New(service.WithConfig(cfg))

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := bad.Start(ctx)

			Convey("Then start fails with a network error", func() {
				So(fault.IsKind(err, fault.NetworkError), ShouldBeTrue)
				So(bad.GetStats()["started"], ShouldEqual, false)
			})
		})
	})
}

func TestService_Assignments(t *testing.T) {
	Convey("Given a started service over an in-memory store", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := repository.NewMemoryStore()
		seed(store)
		bus := realtime.NewBus()
		svc := service.New(
			service.WithConfig(testConfig()),
			service.WithStore(store),
			service.WithSubscriber(bus),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(context.Background())

		Convey("When an incident is auto-assigned while its roster is watched", func() {
			snap, err := svc.Roster(ctx, "evt-1")
			So(err, ShouldBeNil)
			So(snap.Stats.Assigned, ShouldEqual, 0)

			res, err := svc.Assign(ctx, assign.Request{
				IncidentID:   "inc-1",
				EventID:      "evt-1",
				IncidentType: "security",
				Priority:     model.PriorityHigh,
			})

			Convey("Then the nearest staff are assigned", func() {
				So(err, ShouldBeNil)
				So(res.AssignedStaffIDs, ShouldResemble, []string{"s1", "s2", "s3"})
				inc, _ := store.Incident("inc-1")
				So(inc.AutoAssigned, ShouldBeTrue)
			})

			Convey("And the live roster catches up with the new workload", func() {
				ok := waitFor(func() bool {
					snap, _ := svc.Roster(ctx, "evt-1")
					return snap.Stats.Assigned == 3
				})
				So(ok, ShouldBeTrue)
				So(bus.Open(), ShouldEqual, 3)
			})
		})

		Convey("When staff are assigned manually", func() {
			res, err := svc.AssignManual(ctx, assign.ManualRequest{IncidentID: "inc-2", EventID: "evt-1", StaffIDs: []string{"s4"}})

			Convey("Then the default note is stored", func() {
				So(err, ShouldBeNil)
				So(res.Notes, ShouldEqual, assign.DefaultManualNote)
				inc, _ := store.Incident("inc-2")
				So(inc.AssignedStaffIDs, ShouldResemble, []string{"s4"})
				So(inc.AutoAssigned, ShouldBeFalse)
			})
		})

		Convey("When a bulk assignment mixes good and bad items", func() {
			out := svc.AssignBulk(ctx, []assign.ManualRequest{
				{IncidentID: "inc-2", EventID: "evt-1", StaffIDs: []string{"s2"}},
				{IncidentID: "inc-404", EventID: "evt-1", StaffIDs: []string{"s3"}},
			})

			Convey("Then each item succeeds or fails on its own", func() {
				So(out, ShouldHaveLength, 2)
				So(out[0].Err, ShouldBeNil)
				So(out[1].Err, ShouldNotBeNil)
			})
		})

		Convey("When an incident is read through the wrong event", func() {
			_, err := svc.Incident(ctx, "evt-1", "inc-9")

			Convey("Then it is reported as not found", func() {
				So(errors.Is(err, fault.ErrNotFound), ShouldBeTrue)
				So(fault.HTTPStatus(err), ShouldEqual, 404)
			})
		})

		Convey("When suggestions are requested", func() {
			got, err := svc.Suggest(ctx, "evt-1", "inc-1", 2)

			Convey("Then the live roster is ranked against the incident", func() {
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 2)
				So([]string{got[0].Staff.ID, got[1].Staff.ID}, ShouldResemble, []string{"s1", "s2"})
			})
		})

		Convey("When rules are updated", func() {
			err := svc.UpdateRule(ctx, model.AssignmentRule{IncidentType: "security", EventID: "evt-1", RequiredSkills: []string{"security"}, MaxDistanceKM: 5, MaxAssignments: 1, AutoAssign: false})
			So(err, ShouldBeNil)
			table, err := svc.Rules(ctx, "evt-1")
			So(err, ShouldBeNil)

			Convey("Then the event's table reflects the change", func() {
				So(table["security"].AutoAssign, ShouldBeFalse)
				So(table["security"].Priority, ShouldEqual, model.RuleMedium)

				res, err := svc.Assign(ctx, assign.Request{IncidentID: "inc-1", EventID: "evt-1", IncidentType: "security", Priority: model.PriorityHigh})
				So(err, ShouldBeNil)
				So(res.AssignedStaffIDs, ShouldBeEmpty)
				So(res.Notes, ShouldContainSubstring, "disabled")
			})

			Convey("And deleting it restores the default", func() {
				So(svc.DeleteRule(ctx, "evt-1", "security"), ShouldBeNil)
				table, err := svc.Rules(ctx, "evt-1")
				So(err, ShouldBeNil)
				So(table["security"].AutoAssign, ShouldBeTrue)
			})
		})

		Convey("When stats are read after watching an event", func() {
			_, err := svc.Roster(ctx, "evt-1")
			So(err, ShouldBeNil)
			stats := svc.GetStats()

			Convey("Then they include the live view", func() {
				So(stats["trackers"], ShouldEqual, 1)
				So(stats["watchedEvents"], ShouldEqual, 1)
			})
		})
	})
}
