// ABOUTME: Latitude/longitude bounding boxes and great-circle distance
// ABOUTME: Area, union and enlargement drive subtree choice and node splits

package rtree

import (
	"math"

	"github.com/nainya/docstore/pkg/codec"
)

// EarthRadiusKm is the mean Earth radius used by haversine distances
const EarthRadiusKm = 6371.0

// kmPerDegree approximates one degree of latitude
const kmPerDegree = 111.0

// BBox is an axis-aligned box in degrees
type BBox struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// PointBBox is the degenerate box of a single point
func PointBBox(lat, lng float64) BBox {
	return BBox{MinLat: lat, MaxLat: lat, MinLng: lng, MaxLng: lng}
}

// Area in square degrees
func (b BBox) Area() float64 {
	return (b.MaxLat - b.MinLat) * (b.MaxLng - b.MinLng)
}

// Intersects reports whether b and o overlap, edges included
func (b BBox) Intersects(o BBox) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat &&
		b.MinLng <= o.MaxLng && o.MinLng <= b.MaxLng
}

// Contains reports whether o lies entirely inside b
func (b BBox) Contains(o BBox) bool {
	return b.MinLat <= o.MinLat && o.MaxLat <= b.MaxLat &&
		b.MinLng <= o.MinLng && o.MaxLng <= b.MaxLng
}

// Union is the smallest box covering b and o
func (b BBox) Union(o BBox) BBox {
	return BBox{
		MinLat: math.Min(b.MinLat, o.MinLat),
		MaxLat: math.Max(b.MaxLat, o.MaxLat),
		MinLng: math.Min(b.MinLng, o.MinLng),
		MaxLng: math.Max(b.MaxLng, o.MaxLng),
	}
}

// Enlargement is the area b must grow by to cover o
func (b BBox) Enlargement(o BBox) float64 {
	return b.Union(o).Area() - b.Area()
}

func (b BBox) encode() codec.Value {
	return codec.NewObjectValue(
		codec.F("minLat", codec.NewFloat64Value(b.MinLat)),
		codec.F("maxLat", codec.NewFloat64Value(b.MaxLat)),
		codec.F("minLng", codec.NewFloat64Value(b.MinLng)),
		codec.F("maxLng", codec.NewFloat64Value(b.MaxLng)),
	)
}

func decodeBBox(v codec.Value) (BBox, error) {
	var b BBox
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"minLat", &b.MinLat},
		{"maxLat", &b.MaxLat},
		{"minLng", &b.MinLng},
		{"maxLng", &b.MaxLng},
	} {
		x, ok := v.Get(f.name)
		if !ok {
			return BBox{}, corruptf("bbox missing %q", f.name)
		}
		n, ok := x.Float()
		if !ok {
			return BBox{}, corruptf("bbox field %q is %s", f.name, x.Type)
		}
		*f.dst = n
	}
	return b, nil
}

// radiusBBox encloses every point within km of (lat, lng).
// Longitude spans widen by 1/cos(lat); near the poles the full range is used.
func radiusBBox(lat, lng, km float64) BBox {
	dLat := km / kmPerDegree
	b := BBox{MinLat: lat - dLat, MaxLat: lat + dLat, MinLng: -180, MaxLng: 180}
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat > 1e-9 {
		if dLng := km / (kmPerDegree * cosLat); dLng < 180 {
			b.MinLng, b.MaxLng = lng-dLng, lng+dLng
		}
	}
	return b
}

// Haversine returns the great-circle distance in km
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := math.Pi / 180
	dLat := (lat2 - lat1) * toRad
	dLng := (lng2 - lng1) * toRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
