package geo_test

import (
	"errors"
	"math"
	"testing"

	"github.com/okian/rota/internal/domain/geo"
	. "github.com/smartystreets/goconvey/convey"
)

func TestHaversine(t *testing.T) {
	Convey("Given two known points", t, func() {
		london := geo.Point{Lat: 51.5074, Lng: -0.1278}
		paris := geo.Point{Lat: 48.8566, Lng: 2.3522}

		Convey("Then the distance matches the published great-circle value", func() {
			So(geo.Haversine(london, paris), ShouldAlmostEqual, 343.5, 1.0)
		})

		Convey("And the distance is symmetric", func() {
			So(geo.Haversine(london, paris), ShouldAlmostEqual, geo.Haversine(paris, london), 1e-9)
		})

		Convey("And a point is zero km from itself", func() {
			So(geo.Haversine(london, london), ShouldAlmostEqual, 0, 1e-9)
		})
	})
}

func TestValidate(t *testing.T) {
	Convey("Given coordinates at and beyond the bounds", t, func() {
		So(geo.Point{Lat: 90, Lng: 180}.Validate(), ShouldBeNil)
		So(geo.Point{Lat: -90, Lng: -180}.Validate(), ShouldBeNil)
		So(errors.Is(geo.Point{Lat: 90.1}.Validate(), geo.ErrOutOfRange), ShouldBeTrue)
		So(errors.Is(geo.Point{Lng: -180.5}.Validate(), geo.ErrOutOfRange), ShouldBeTrue)
		So(geo.Point{Lat: math.NaN()}.Validate(), ShouldNotBeNil)

		_, err := geo.Distance(geo.Point{}, geo.Point{Lat: 200})
		So(err, ShouldNotBeNil)
	})
}
