package rules_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/okian/rota/internal/adapters/repository"
	"github.com/okian/rota/internal/domain/cache"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/internal/domain/rules"
	"github.com/okian/rota/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type fakeEndpoint struct {
	calls atomic.Int64
	table model.RuleTable
	err   error
}

func (f *fakeEndpoint) FetchRules(context.Context) (model.RuleTable, error) {
	f.calls.Add(1)
	return f.table.Clone(), f.err
}

func TestResolveFallback(t *testing.T) {
	Convey("Given a rule store with every level configured", t, func() {
		ctx := context.Background()
		repo := repository.NewMemoryStore()
		endpoint := &fakeEndpoint{table: model.RuleTable{
			"concert_crush": {IncidentType: "concert_crush", RequiredSkills: []string{"crowd_management"}, MaxDistanceKM: 5, MaxAssignments: 4, Priority: model.RuleHigh, AutoAssign: true},
		}}
		store := rules.New(cache.New(), rules.WithPersistence(repo), rules.WithEndpoint(endpoint))

		Convey("When the event has no persisted rules", func() {
			r, err := store.Resolve(ctx, "Concert_Crush", "evt-1")

			Convey("Then the endpoint table is used", func() {
				So(err, ShouldBeNil)
				So(r.Source, ShouldEqual, rules.SourceEndpoint)
				So(r.MaxAssignments, ShouldEqual, 4)
			})

			Convey("And built-in defaults fill the remaining types", func() {
				r, err := store.Resolve(ctx, "MEDICAL", "evt-1")
				So(err, ShouldBeNil)
				So(r.Source, ShouldEqual, rules.SourceDefault)
				So(r.RequiredSkills, ShouldResemble, []string{"medical", "first_aid"})
			})

			Convey("And unknown types get the permissive rule", func() {
				r, err := store.Resolve(ctx, "alien_landing", "evt-1")
				So(err, ShouldBeNil)
				So(r.Source, ShouldEqual, rules.SourcePermissive)
				So(r.RequiredSkills, ShouldBeEmpty)
				So(r.MaxDistanceKM, ShouldEqual, 20)
				So(r.MaxAssignments, ShouldEqual, 3)
				So(r.Priority, ShouldEqual, model.RuleMedium)
				So(r.AutoAssign, ShouldBeTrue)
			})
		})

		Convey("When the event has an active persisted rule", func() {
			So(repo.UpsertRule(ctx, model.AssignmentRule{
				IncidentType: "medical", EventID: "evt-2", RequiredSkills: []string{"paramedic"},
				MaxDistanceKM: 3, MaxAssignments: 1, Priority: model.RuleHigh, Active: true,
			}), ShouldBeNil)

			r, err := store.Resolve(ctx, "medical", "evt-2")

			Convey("Then it wins and the endpoint is never consulted", func() {
				So(err, ShouldBeNil)
				So(r.Source, ShouldEqual, rules.SourcePersisted)
				So(r.RequiredSkills, ShouldResemble, []string{"paramedic"})
				So(endpoint.calls.Load(), ShouldEqual, 0)
			})

			Convey("And other events are unaffected", func() {
				r, _ := store.Resolve(ctx, "medical", "evt-3")
				So(r.Source, ShouldEqual, rules.SourceDefault)
			})
		})

		Convey("When the type is blank", func() {
			_, err := store.Resolve(ctx, "  ", "evt-1")
			So(fault.KindOf(err), ShouldEqual, fault.ValidationError)
		})
	})
}

func TestTableLoading(t *testing.T) {
	Convey("Given a rule store backed by a failing persisted source", t, func() {
		ctx := context.Background()
		repo := repository.NewMemoryStore()
		repo.FailNext(repository.MethodListRules, errors.New("connection reset"))
		endpoint := &fakeEndpoint{err: errors.New("endpoint down")}
		store := rules.New(cache.New(), rules.WithPersistence(repo), rules.WithEndpoint(endpoint))

		Convey("When the table is resolved", func() {
			table, err := store.Table(ctx, "")

			Convey("Then every failure falls through to defaults", func() {
				So(err, ShouldBeNil)
				So(table["security"].Source, ShouldEqual, rules.SourceDefault)
			})
		})
	})

	Convey("Given many concurrent resolutions of a cold scope", t, func() {
		ctx := context.Background()
		endpoint := &fakeEndpoint{}
		store := rules.New(cache.New(), rules.WithEndpoint(endpoint))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = store.Resolve(ctx, "fire", "evt-1")
				_, _ = store.Resolve(ctx, "welfare", "evt-1")
			}()
		}
		wg.Wait()

		Convey("Then the upstream table is loaded once for all types", func() {
			So(endpoint.calls.Load(), ShouldEqual, 1)
		})
	})

	Convey("Given configured default overrides", t, func() {
		store := rules.New(cache.New(), rules.WithDefaults(model.RuleTable{
			"Medical": {RequiredSkills: []string{"doctor"}, MaxDistanceKM: 2, MaxAssignments: 1, Priority: model.RuleHigh},
		}))
		r, err := store.Resolve(context.Background(), "medical", "")
		So(err, ShouldBeNil)
		So(r.RequiredSkills, ShouldResemble, []string{"doctor"})
		So(r.Source, ShouldEqual, rules.SourceDefault)
	})
}

func TestWriteThrough(t *testing.T) {
	Convey("Given a warm rule cache", t, func() {
		ctx := context.Background()
		repo := repository.NewMemoryStore()
		c := cache.New()
		store := rules.New(c, rules.WithPersistence(repo))

		r, _ := store.Resolve(ctx, "welfare", "evt-1")
		So(r.Source, ShouldEqual, rules.SourceDefault)
		c.Scores.Set(ctx, cache.ScoreKey("evt-1", model.IncidentContext{Type: "welfare"}, "fp"), []model.AssignmentScore{{StaffID: "a"}})

		Convey("When a rule is updated", func() {
			err := store.UpdateRule(ctx, model.AssignmentRule{
				IncidentType: "Welfare", EventID: "evt-1", RequiredSkills: []string{"counselling"},
				MaxDistanceKM: 8, MaxAssignments: 2,
			})

			Convey("Then the next resolution sees it and derived scores are gone", func() {
				So(err, ShouldBeNil)
				So(c.Scores.Len(), ShouldEqual, 0)
				r, _ := store.Resolve(ctx, "welfare", "evt-1")
				So(r.Source, ShouldEqual, rules.SourcePersisted)
				So(r.Priority, ShouldEqual, model.RuleMedium)
			})

			Convey("And deleting it restores the default", func() {
				So(store.DeleteRule(ctx, "evt-1", "welfare"), ShouldBeNil)
				r, _ := store.Resolve(ctx, "welfare", "evt-1")
				So(r.Source, ShouldEqual, rules.SourceDefault)
			})
		})

		Convey("When the write fails", func() {
			repo.FailNext(repository.MethodUpsertRule, errors.New("boom"))
			err := store.UpdateRule(ctx, model.AssignmentRule{IncidentType: "welfare", EventID: "evt-1", MaxDistanceKM: 1, MaxAssignments: 1})

			Convey("Then it is classified and the scope is still invalidated", func() {
				So(fault.KindOf(err), ShouldEqual, fault.DatabaseConnection)
				_, ok := c.Rules.Get("evt-1")
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When the rule is invalid", func() {
			err := store.UpdateRule(ctx, model.AssignmentRule{IncidentType: "welfare", MaxDistanceKM: 0, MaxAssignments: 1})
			So(fault.KindOf(err), ShouldEqual, fault.ValidationError)
			err = store.UpdateRule(ctx, model.AssignmentRule{IncidentType: "welfare", MaxDistanceKM: 1, MaxAssignments: 1, Priority: "critical"})
			So(fault.KindOf(err), ShouldEqual, fault.ValidationError)
		})

		Convey("When deleting an unknown rule", func() {
			err := store.DeleteRule(ctx, "evt-1", "nothing")
			So(fault.KindOf(err), ShouldEqual, fault.StaffNotFound)
		})
	})
}

func TestDegradedTableNotCached(t *testing.T) {
	Convey("Given an event with a stricter persisted rule", t, func() {
		ctx := context.Background()
		repo := repository.NewMemoryStore()
		So(repo.UpsertRule(ctx, model.AssignmentRule{
			IncidentType: "medical", EventID: "evt-1", RequiredSkills: []string{"paramedic"},
			MaxDistanceKM: 3, MaxAssignments: 1, Priority: model.RuleHigh, Active: true,
		}), ShouldBeNil)
		store := rules.New(cache.New(), rules.WithPersistence(repo))

		Convey("When the store fails once and then recovers", func() {
			repo.FailNext(repository.MethodListRules, errors.New("connection reset"))
			first, err := store.Resolve(ctx, "medical", "evt-1")
			So(err, ShouldBeNil)

			second, err := store.Resolve(ctx, "medical", "evt-1")

			Convey("Then the fallback serves only the failed call", func() {
				So(first.Source, ShouldEqual, rules.SourceDefault)
				So(err, ShouldBeNil)
				So(second.Source, ShouldEqual, rules.SourcePersisted)
				So(second.RequiredSkills, ShouldResemble, []string{"paramedic"})
			})

			Convey("And the healthy table is cached", func() {
				before := repo.Calls(repository.MethodListRules)
				_, err := store.Resolve(ctx, "medical", "evt-1")
				So(err, ShouldBeNil)
				So(repo.Calls(repository.MethodListRules), ShouldEqual, before)
			})
		})
	})

	Convey("Given an endpoint that is down", t, func() {
		endpoint := &fakeEndpoint{err: errors.New("endpoint down")}
		store := rules.New(cache.New(), rules.WithEndpoint(endpoint))

		_, _ = store.Resolve(context.Background(), "fire", "evt-1")
		_, _ = store.Resolve(context.Background(), "fire", "evt-1")

		Convey("Then every resolution retries it", func() {
			So(endpoint.calls.Load(), ShouldEqual, 2)
		})
	})
}

func TestGlobalRulesKeepEndpoint(t *testing.T) {
	Convey("Given a global persisted rule and an endpoint-only type", t, func() {
		ctx := context.Background()
		repo := repository.NewMemoryStore()
		So(repo.UpsertRule(ctx, model.AssignmentRule{
			IncidentType: "security", RequiredSkills: []string{"sia_licence"},
			MaxDistanceKM: 2, MaxAssignments: 2, Priority: model.RuleHigh, Active: true,
		}), ShouldBeNil)
		endpoint := &fakeEndpoint{table: model.RuleTable{
			"concert_crush": {IncidentType: "concert_crush", MaxDistanceKM: 5, MaxAssignments: 4, Priority: model.RuleHigh, AutoAssign: true},
			"security":      {IncidentType: "security", MaxDistanceKM: 9, MaxAssignments: 9, Priority: model.RuleLow},
		}}
		store := rules.New(cache.New(), rules.WithPersistence(repo), rules.WithEndpoint(endpoint))

		Convey("When an event without its own rules resolves both types", func() {
			crush, err := store.Resolve(ctx, "concert_crush", "evt-1")
			So(err, ShouldBeNil)
			sec, err := store.Resolve(ctx, "security", "evt-1")
			So(err, ShouldBeNil)

			Convey("Then the endpoint still serves its type", func() {
				So(crush.Source, ShouldEqual, rules.SourceEndpoint)
				So(crush.MaxAssignments, ShouldEqual, 4)
			})

			Convey("And the global persisted rule overrides the endpoint", func() {
				So(sec.Source, ShouldEqual, rules.SourcePersisted)
				So(sec.RequiredSkills, ShouldResemble, []string{"sia_licence"})
			})
		})

		Convey("When the global scope itself is resolved", func() {
			_, err := store.Table(ctx, "")

			Convey("Then its own persisted rows skip the endpoint", func() {
				So(err, ShouldBeNil)
				So(endpoint.calls.Load(), ShouldEqual, 0)
			})
		})
	})
}
