package geometry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ParseWKT decodes a WKT footprint.
func ParseWKT(s string) (orb.Geometry, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("parsing WKT: %w", err)
	}
	return g, nil
}

// ToWKT encodes g as WKT.
func ToWKT(g orb.Geometry) string {
	return wkt.MarshalString(g)
}

// GeoJSONToWKT converts a GeoJSON geometry document to WKT.
func GeoJSONToWKT(raw json.RawMessage) (string, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return "", fmt.Errorf("parsing GeoJSON geometry: %w", err)
	}
	return ToWKT(g.Geometry()), nil
}

// Intersects reports whether two areal geometries overlap. Points and lines
// are tested by containment and edge crossing as well.
func Intersects(a, b orb.Geometry) bool {
	if a == nil || b == nil || !a.Bound().Intersects(b.Bound()) {
		return false
	}
	ra, rb := rings(a), rings(b)
	for _, p := range vertices(ra) {
		if contains(b, p) {
			return true
		}
	}
	for _, p := range vertices(rb) {
		if contains(a, p) {
			return true
		}
	}
	for _, r1 := range ra {
		for _, r2 := range rb {
			if ringsCross(r1, r2) {
				return true
			}
		}
	}
	return false
}

func rings(g orb.Geometry) []orb.Ring {
	switch v := g.(type) {
	case orb.Polygon:
		return []orb.Ring(v)
	case orb.MultiPolygon:
		var out []orb.Ring
		for _, p := range v {
			out = append(out, p...)
		}
		return out
	case orb.Bound:
		return []orb.Ring(v.ToPolygon())
	case orb.Ring:
		return []orb.Ring{v}
	case orb.LineString:
		return []orb.Ring{orb.Ring(v)}
	case orb.Point:
		return []orb.Ring{{v}}
	case orb.MultiPoint:
		return []orb.Ring{orb.Ring(v)}
	default:
		return nil
	}
}

func vertices(rs []orb.Ring) []orb.Point {
	var out []orb.Point
	for _, r := range rs {
		out = append(out, r...)
	}
	return out
}

func contains(g orb.Geometry, p orb.Point) bool {
	switch v := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(v, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(v, p)
	case orb.Bound:
		return v.Contains(p)
	case orb.Ring:
		return planar.RingContains(v, p)
	default:
		return false
	}
}

func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsCross(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func orientation(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

// TileEPSG returns the UTM EPSG code of a Sentinel-2 tile: 326zz north of
// the equator (latitude band N and above), 327zz south of it.
func TileEPSG(tile string) (int, error) {
	tile = strings.TrimPrefix(strings.ToUpper(tile), "T")
	if len(tile) != 5 {
		return 0, fmt.Errorf("invalid tile id %q", tile)
	}
	zone, err := strconv.Atoi(tile[:2])
	if err != nil || zone < 1 || zone > 60 {
		return 0, fmt.Errorf("invalid UTM zone in tile id %q", tile)
	}
	if tile[2] >= 'N' {
		return 32600 + zone, nil
	}
	return 32700 + zone, nil
}

// Grid maps tile ids to their footprints.
type Grid struct {
	tiles map[string]orb.Geometry
}

// NewGrid builds a grid from footprints.
func NewGrid(tiles map[string]orb.Geometry) *Grid {
	return &Grid{tiles: tiles}
}

// LoadGrid reads a GeoJSON feature collection whose features carry the tile
// id in their "name" (or "tile_id") property.
func LoadGrid(path string) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tile grid: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing tile grid: %w", err)
	}
	tiles := make(map[string]orb.Geometry, len(fc.Features))
	for _, f := range fc.Features {
		name := f.Properties.MustString("name", "")
		if name == "" {
			name = f.Properties.MustString("tile_id", "")
		}
		if name == "" {
			continue
		}
		tiles[strings.TrimPrefix(name, "T")] = f.Geometry
	}
	return NewGrid(tiles), nil
}

// Footprint returns the polygon of tile.
func (g *Grid) Footprint(tile string) (orb.Geometry, bool) {
	if g == nil {
		return nil, false
	}
	fp, ok := g.tiles[tile]
	return fp, ok
}

// TilesIntersecting returns the sorted ids of the tiles overlapping fp.
func (g *Grid) TilesIntersecting(fp orb.Geometry) []string {
	if g == nil {
		return nil
	}
	var out []string
	for tile, tileFp := range g.tiles {
		if Intersects(tileFp, fp) {
			out = append(out, tile)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tiles in the grid.
func (g *Grid) Len() int {
	if g == nil {
		return 0
	}
	return len(g.tiles)
}
