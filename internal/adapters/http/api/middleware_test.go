package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsMiddleware(t *testing.T) {
	Convey("Given a handler wrapped by the metrics middleware", t, func() {
		h := MetricsMiddleware(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}, "test")

		Convey("The wrapped status reaches the client", func() {
			w := httptest.NewRecorder()
			h(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			So(w.Code, ShouldEqual, http.StatusForbidden)
		})
	})

	Convey("errorClass maps statuses onto error classes", t, func() {
		So(errorClass(http.StatusBadRequest), ShouldEqual, "validation")
		So(errorClass(http.StatusForbidden), ShouldEqual, "permission_denied")
		So(errorClass(http.StatusNotFound), ShouldEqual, "not_found")
		So(errorClass(http.StatusConflict), ShouldEqual, "client_error")
		So(errorClass(http.StatusGatewayTimeout), ShouldEqual, "timeout")
		So(errorClass(http.StatusBadGateway), ShouldEqual, "server_error")
	})
}
