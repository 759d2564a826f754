package fault_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/okian/rota/internal/domain/fault"
	. "github.com/smartystreets/goconvey/convey"
)

func TestClassify(t *testing.T) {
	Convey("Given upstream failures", t, func() {
		cases := map[error]fault.Kind{
			context.DeadlineExceeded:                            fault.TimeoutError,
			fmt.Errorf("query: %w", fault.ErrTableNotFound):     fault.TableNotFound,
			fmt.Errorf("query: %w", fault.ErrPermissionDenied):  fault.PermissionDenied,
			fmt.Errorf("lookup: %w", fault.ErrNotFound):         fault.StaffNotFound,
			errors.New("connection refused"):                    fault.DatabaseConnection,
			fault.New(fault.ValidationError, "x", "bad"):        fault.ValidationError,
		}

		for in, want := range cases {
			So(fault.KindOf(fault.Classify("op", in)), ShouldEqual, want)
		}

		Convey("And nil stays nil", func() {
			So(fault.Classify("op", nil), ShouldBeNil)
		})
	})
}

func TestError(t *testing.T) {
	Convey("Given a wrapped fault", t, func() {
		cause := errors.New("boom")
		err := fault.Wrap(fault.AssignmentFailed, "assign.persist", cause, "could not save").With("incident_id", "inc-1")

		Convey("Then it renders op, kind, message and cause", func() {
			So(err.Error(), ShouldEqual, "assign.persist: ASSIGNMENT_FAILED: could not save: boom")
		})

		Convey("And it unwraps to the cause and matches by kind", func() {
			So(errors.Is(err, cause), ShouldBeTrue)
			So(errors.Is(err, fault.New(fault.AssignmentFailed, "", "")), ShouldBeTrue)
			So(errors.Is(err, fault.New(fault.CacheError, "", "")), ShouldBeFalse)
			So(err.Context["incident_id"], ShouldEqual, "inc-1")
			So(err.Time.IsZero(), ShouldBeFalse)
		})
	})
}

func TestHTTPStatus(t *testing.T) {
	Convey("Given classified errors", t, func() {
		So(fault.HTTPStatus(fault.New(fault.ValidationError, "", "")), ShouldEqual, http.StatusBadRequest)
		So(fault.HTTPStatus(fault.New(fault.StaffNotFound, "", "")), ShouldEqual, http.StatusNotFound)
		So(fault.HTTPStatus(fault.New(fault.TableNotFound, "", "")), ShouldEqual, http.StatusNotFound)
		So(fault.HTTPStatus(fault.New(fault.DatabaseConnection, "", "")), ShouldEqual, http.StatusInternalServerError)
		So(fault.HTTPStatus(fault.New(fault.PermissionDenied, "", "")), ShouldEqual, http.StatusForbidden)
		So(fault.HTTPStatus(fault.New(fault.TimeoutError, "", "")), ShouldEqual, http.StatusGatewayTimeout)
		So(fault.HTTPStatus(errors.New("plain")), ShouldEqual, http.StatusInternalServerError)
	})
}
