package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/docstore/pkg/bptree"
	"github.com/nainya/docstore/pkg/codec"
	"github.com/nainya/docstore/pkg/pagedstore"
	"github.com/nainya/docstore/pkg/rtree"
)

func str(s string) codec.Value { return codec.NewStringValue(s) }
func num(i int64) codec.Value  { return codec.NewInt64Value(i) }

func doc(id string, fields ...codec.Field) codec.Value {
	return codec.NewObjectValue(append([]codec.Field{codec.F(IDField, str(id))}, fields...)...)
}

func newFieldIndex(t *testing.T, field string) *FieldIndex {
	t.Helper()
	f, err := NewFieldIndex(Definition{Name: "by_field", Field: field}, pagedstore.NewMemSink(), bptree.Options{Order: 4})
	require.NoError(t, err)
	require.NoError(t, f.Open())
	t.Cleanup(func() { f.Close() })
	return f
}

func newGeoIndex(t *testing.T) *GeoIndex {
	t.Helper()
	g, err := NewGeoIndex(Definition{Name: "places", Field: "loc"}, pagedstore.NewMemSink(), rtree.Options{MaxEntries: 4})
	require.NoError(t, err)
	require.NoError(t, g.Open())
	t.Cleanup(func() { g.Close() })
	return g
}

func TestDefinitionValidate(t *testing.T) {
	good := Definition{Name: "by-city_1", Kind: KindField, Field: "address.city"}
	assert.NoError(t, good.Validate())

	cases := map[string]Definition{
		"empty name":   {Kind: KindField, Field: "a"},
		"bad name":     {Name: "a/b", Kind: KindField, Field: "a"},
		"unknown kind": {Name: "a", Kind: "text", Field: "a"},
		"no field":     {Name: "a", Kind: KindGeo},
		"negative":     {Name: "a", Kind: KindField, Field: "a", Order: -1},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, def.Validate(), ErrBadDefinition)
		})
	}
}

func TestDefinitionManifestEntry(t *testing.T) {
	def := Definition{Name: "geo", Kind: KindGeo, Field: "loc", MaxEntries: 6}
	got, err := decodeDefinition(def.encode())
	require.NoError(t, err)
	assert.Equal(t, def, got)

	_, err = decodeDefinition(codec.NewObjectValue(codec.F("name", num(1))))
	assert.ErrorIs(t, err, ErrBadDefinition)
}

func TestEnsureID(t *testing.T) {
	withID := doc("a", codec.F("x", num(1)))
	out, id, err := EnsureID(withID)
	require.NoError(t, err)
	assert.True(t, codec.Equal(withID, out))
	assert.Equal(t, "a", id.Str)

	out, id, err = EnsureID(codec.NewObjectValue(codec.F("x", num(1))))
	require.NoError(t, err)
	assert.Equal(t, codec.TypeObjectID, id.Type)
	got, ok := out.Get(IDField)
	require.True(t, ok)
	assert.True(t, codec.Equal(id, got))

	_, _, err = EnsureID(num(3))
	assert.ErrorIs(t, err, ErrBadDocument)
}

func TestCoordinates(t *testing.T) {
	cases := map[string]codec.Value{
		"lat lng object": codec.NewObjectValue(
			codec.F("lat", codec.NewFloat64Value(46.2)),
			codec.F("lng", codec.NewFloat64Value(6.1)),
		),
		"legacy pair": codec.NewArrayValue(codec.NewFloat64Value(6.1), codec.NewFloat64Value(46.2)),
		"geojson point": codec.NewObjectValue(
			codec.F("type", str("Point")),
			codec.F("coordinates", codec.NewArrayValue(codec.NewFloat64Value(6.1), codec.NewFloat64Value(46.2))),
		),
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			lat, lng, ok := Coordinates(v)
			require.True(t, ok)
			assert.Equal(t, 46.2, lat)
			assert.Equal(t, 6.1, lng)
		})
	}

	_, _, ok := Coordinates(str("46,6"))
	assert.False(t, ok)
	_, _, ok = Coordinates(codec.NewArrayValue(num(1)))
	assert.False(t, ok)
	_, _, ok = Coordinates(codec.NewObjectValue(codec.F("lat", num(1))))
	assert.False(t, ok)
}

func TestFieldIndexLookup(t *testing.T) {
	f := newFieldIndex(t, "city")

	require.NoError(t, f.Add(doc("1", codec.F("city", str("Bern")))))
	require.NoError(t, f.Add(doc("2", codec.F("city", str("Basel")))))
	require.NoError(t, f.Add(doc("3", codec.F("city", str("Bern")))))
	require.NoError(t, f.Add(doc("3", codec.F("city", str("Bern")))))
	require.NoError(t, f.Add(doc("4")))

	ids, err := f.Lookup(str("Bern"))
	require.NoError(t, err)
	assert.Equal(t, []codec.Value{str("1"), str("3")}, ids)
	assert.Equal(t, uint64(3), f.Size())

	nulls, err := f.Lookup(codec.NewNullValue())
	require.NoError(t, err)
	assert.Equal(t, []codec.Value{str("4")}, nulls)

	missing, err := f.Lookup(str("Zug"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestFieldIndexRemove(t *testing.T) {
	f := newFieldIndex(t, "city")
	require.NoError(t, f.Add(doc("1", codec.F("city", str("Bern")))))
	require.NoError(t, f.Add(doc("2", codec.F("city", str("Bern")))))

	require.NoError(t, f.Remove(doc("1", codec.F("city", str("Bern")))))
	ids, err := f.Lookup(str("Bern"))
	require.NoError(t, err)
	assert.Equal(t, []codec.Value{str("2")}, ids)

	// unknown ids are ignored
	require.NoError(t, f.Remove(doc("9", codec.F("city", str("Bern")))))

	require.NoError(t, f.Remove(doc("2", codec.F("city", str("Bern")))))
	assert.Equal(t, uint64(0), f.Size())

	assert.ErrorIs(t, f.Add(codec.NewObjectValue(codec.F("city", str("Bern")))), ErrBadDocument)
}

func TestFieldIndexRangeAndNestedPath(t *testing.T) {
	f := newFieldIndex(t, "stats.age")
	for i := int64(0); i < 20; i++ {
		d := doc(string(rune('a'+i)), codec.F("stats", codec.NewObjectValue(codec.F("age", num(i)))))
		require.NoError(t, f.Add(d))
	}

	ids, err := f.Range(num(5), num(8))
	require.NoError(t, err)
	assert.Equal(t, []codec.Value{str("f"), str("g"), str("h"), str("i")}, ids)

	h, err := f.Tree().Height()
	require.NoError(t, err)
	assert.Greater(t, h, 0)
}

func TestFieldIndexCompact(t *testing.T) {
	f := newFieldIndex(t, "n")
	for i := int64(0); i < 50; i++ {
		require.NoError(t, f.Add(doc(string(rune('A'+i)), codec.F("n", num(i%10)))))
	}
	dst := pagedstore.NewMemSink()
	s, err := f.Compact(dst)
	require.NoError(t, err)
	assert.Greater(t, s.BytesSaved, int64(0))
	assert.Equal(t, int64(s.OldSize)-int64(s.NewSize), s.BytesSaved)
}

func TestGeoIndexQueries(t *testing.T) {
	g := newGeoIndex(t)

	docs := []codec.Value{
		doc("geneva", codec.F("loc", codec.NewObjectValue(
			codec.F("lat", codec.NewFloat64Value(46.2044)),
			codec.F("lng", codec.NewFloat64Value(6.1432)),
		))),
		doc("lausanne", codec.F("loc", codec.NewArrayValue(
			codec.NewFloat64Value(6.6323), codec.NewFloat64Value(46.5197),
		))),
		doc("zurich", codec.F("loc", codec.NewObjectValue(
			codec.F("type", str("Point")),
			codec.F("coordinates", codec.NewArrayValue(codec.NewFloat64Value(8.5417), codec.NewFloat64Value(47.3769))),
		))),
		doc("nowhere"),
	}
	for _, d := range docs {
		require.NoError(t, g.Add(d))
	}
	assert.Equal(t, uint64(3), g.Size())

	near, err := g.Near(46.2044, 6.1432, 60)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"geneva", "lausanne"}, entryIDs(near))

	within, err := g.Within(rtree.BBox{MinLat: 47, MaxLat: 48, MinLng: 8, MaxLng: 9})
	require.NoError(t, err)
	assert.Equal(t, []string{"zurich"}, entryIDs(within))

	require.NoError(t, g.Remove(docs[0]))
	// removal without coordinates falls back to an id search
	require.NoError(t, g.Remove(doc("zurich")))
	assert.Equal(t, uint64(1), g.Size())

	bad := doc("bad", codec.F("loc", str("somewhere")))
	assert.ErrorIs(t, g.Add(bad), ErrBadDocument)
	outOfRange := doc("bad", codec.F("loc", codec.NewArrayValue(codec.NewFloat64Value(0), codec.NewFloat64Value(95))))
	assert.ErrorIs(t, g.Add(outOfRange), rtree.ErrBadCoordinates)
}

func entryIDs(entries []rtree.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID.Str)
	}
	return out
}
