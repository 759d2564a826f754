package ruleconfig

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/rota/internal/domain/fault"
	. "github.com/smartystreets/goconvey/convey"
)

func TestFetchRules(t *testing.T) {
	Convey("Given a rule endpoint", t, func() {
		var status = http.StatusOK
		var body = `[{"incidentType":"Medical","requiredSkills":["medical"],"maxDistance":10,"maxAssignments":2,"priority":"high","autoAssign":true},{"incidentType":""}]`
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/assignment-rules" {
				http.NotFound(w, r)
				return
			}
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		defer srv.Close()

		c := New(srv.URL + "/")

		Convey("When it returns a bare array", func() {
			table, err := c.FetchRules(context.Background())

			Convey("Then rules are keyed by normalized type and blanks dropped", func() {
				So(err, ShouldBeNil)
				So(len(table), ShouldEqual, 1)
				So(table["medical"].MaxDistanceKM, ShouldEqual, 10)
				So(table["medical"].Active, ShouldBeTrue)
			})
		})

		Convey("When it returns a wrapped document", func() {
			body = `{"rules":[{"incidentType":"fire","requiredSkills":["fire_safety"]}]}`
			table, err := c.FetchRules(context.Background())
			So(err, ShouldBeNil)
			So(table["fire"].RequiredSkills, ShouldResemble, []string{"fire_safety"})
		})

		Convey("When it fails", func() {
			status = http.StatusBadGateway
			_, err := c.FetchRules(context.Background())
			So(fault.KindOf(err), ShouldEqual, fault.NetworkError)
		})

		Convey("When the body is garbage", func() {
			body = `{{`
			_, err := c.FetchRules(context.Background())
			So(fault.KindOf(err), ShouldEqual, fault.InvalidData)
		})
	})

	Convey("Given a slow endpoint", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		defer srv.Close()

		_, err := New(srv.URL, WithTimeout(20*time.Millisecond)).FetchRules(context.Background())
		So(fault.KindOf(err), ShouldEqual, fault.TimeoutError)
	})

	Convey("Given no endpoint", t, func() {
		c := New("")
		So(c.Enabled(), ShouldBeFalse)
		_, err := c.FetchRules(context.Background())
		So(err, ShouldEqual, ErrDisabled)
	})
}
