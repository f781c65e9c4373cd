package geometry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cosims/nrt-orchestrator/internal/geometry"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
}

func TestIntersects(t *testing.T) {
	tests := []struct {
		name string
		a, b orb.Geometry
		want bool
	}{
		{"overlapping", square(0, 0, 2, 2), square(1, 1, 3, 3), true},
		{"contained", square(0, 0, 10, 10), square(4, 4, 5, 5), true},
		{"disjoint", square(0, 0, 1, 1), square(2, 2, 3, 3), false},
		{"crossing without shared vertices", square(0, 1, 3, 2), square(1, 0, 2, 3), true},
		{"bounds overlap only", orb.Polygon{{{0, 0}, {4, 0}, {0, 4}, {0, 0}}}, square(3, 3, 4, 4), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, geometry.Intersects(tt.a, tt.b))
		})
	}
}

func TestTileEPSG(t *testing.T) {
	epsg, err := geometry.TileEPSG("32TLR")
	require.NoError(t, err)
	assert.Equal(t, 32632, epsg)

	epsg, err = geometry.TileEPSG("T21HUB")
	require.NoError(t, err)
	assert.Equal(t, 32721, epsg)

	_, err = geometry.TileEPSG("ABC")
	assert.Error(t, err)
}

func TestWKTRoundTrip(t *testing.T) {
	g, err := geometry.ParseWKT("POLYGON((0 0,1 0,1 1,0 1,0 0))")
	require.NoError(t, err)
	assert.Equal(t, "POLYGON((0 0,1 0,1 1,0 1,0 0))", geometry.ToWKT(g))

	w, err := geometry.GeoJSONToWKT([]byte(`{"type":"Point","coordinates":[5.5,45]}`))
	require.NoError(t, err)
	assert.Equal(t, "POINT(5.5 45)", w)
}

func TestLoadGrid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.geojson")
	grid := `{"type":"FeatureCollection","features":[
	 {"type":"Feature","properties":{"name":"T32TLR"},"geometry":{"type":"Polygon","coordinates":[[[6,45],[7,45],[7,46],[6,46],[6,45]]]}},
	 {"type":"Feature","properties":{"tile_id":"31TCH"},"geometry":{"type":"Polygon","coordinates":[[[0,42],[1,42],[1,43],[0,43],[0,42]]]}}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(grid), 0644))

	g, err := geometry.LoadGrid(path)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())

	_, ok := g.Footprint("32TLR")
	assert.True(t, ok)
	assert.Equal(t, []string{"32TLR"}, g.TilesIntersecting(square(6.5, 45.5, 8, 47)))
	assert.Empty(t, g.TilesIntersecting(square(20, 20, 21, 21)))
}
