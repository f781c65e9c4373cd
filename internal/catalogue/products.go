package catalogue

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/geometry"
)

// Product is the uniform descriptor every catalogue maps its entries to.
type Product struct {
	ID              string
	Path            string
	Collection      string
	ProductType     string
	MeasurementDate time.Time
	PublicationDate time.Time
	// CreationDate is the source-agency creation date, optical only.
	CreationDate *time.Time
	TileID       string
	GeometryWKT  string
	CloudCover   *float64
	// SliceNumber and TotalSlices come from the radar manifest.
	SliceNumber int
	TotalSlices int
}

type restoResponse struct {
	Properties struct {
		TotalResults int `json:"totalResults"`
	} `json:"properties"`
	Features []restoFeature `json:"features"`
}

type restoFeature struct {
	ID         string          `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties restoProperties `json:"properties"`
}

type restoProperties struct {
	Title             string   `json:"title"`
	ProductIdentifier string   `json:"productIdentifier"`
	ProductType       string   `json:"productType"`
	StartDate         string   `json:"startDate"`
	Published         string   `json:"published"`
	CloudCover        *float64 `json:"cloudCover"`
}

var tileToken = regexp.MustCompile(`^T\d{2}[A-Z]{3}$`)

const titleDateLayout = "20060102T150405"

// TileFromTitle returns the tile id carried by a "T"+5 chars token of a
// product title, without its "T".
func TileFromTitle(title string) string {
	for _, token := range strings.Split(strings.TrimSuffix(title, ".SAFE"), "_") {
		if tileToken.MatchString(token) {
			return token[1:]
		}
	}
	return ""
}

// S2CreationDate parses the creation date encoded as the last token of a
// Sentinel-2 SAFE title.
func S2CreationDate(title string) (time.Time, error) {
	tokens := strings.Split(strings.TrimSuffix(title, ".SAFE"), "_")
	last := tokens[len(tokens)-1]
	t, err := time.Parse(titleDateLayout, last)
	if err != nil {
		return time.Time{}, fmt.Errorf("no creation date in title %q: %w", title, err)
	}
	return t.UTC(), nil
}

// ProductName strips the SAFE suffix, giving the identifier known by the
// source-agency hub.
func ProductName(title string) string {
	return strings.TrimSuffix(title, ".SAFE")
}

func parseCatalogueTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable catalogue date %q", s)
}

// mapFeature converts a resto feature to a Product. Optical features get
// their tile and creation date from the title, areal features their WKT.
func mapFeature(collection string, f restoFeature) (Product, error) {
	p := Product{
		ID:          f.Properties.Title,
		Path:        f.Properties.ProductIdentifier,
		Collection:  collection,
		ProductType: f.Properties.ProductType,
		CloudCover:  f.Properties.CloudCover,
		TileID:      TileFromTitle(f.Properties.Title),
	}
	if p.ID == "" {
		return Product{}, fmt.Errorf("feature %s has no title", f.ID)
	}
	var err error
	if p.MeasurementDate, err = parseCatalogueTime(f.Properties.StartDate); err != nil {
		return Product{}, err
	}
	if p.PublicationDate, err = parseCatalogueTime(f.Properties.Published); err != nil {
		return Product{}, err
	}
	if collection == CollectionSentinel2 {
		created, err := S2CreationDate(p.ID)
		if err != nil {
			return Product{}, err
		}
		p.CreationDate = &created
	}
	if len(f.Geometry) > 0 && string(f.Geometry) != "null" {
		wkt, err := geometry.GeoJSONToWKT(f.Geometry)
		if err != nil {
			return Product{}, err
		}
		p.GeometryWKT = wkt
	}
	return p, nil
}
