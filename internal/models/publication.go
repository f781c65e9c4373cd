package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RawDocument is a JSON document written by a worker.
type RawDocument = json.RawMessage

// Publication payload constants.
const (
	PublicationCollectionName = "HR-S&I"
	PublicationOrganisation   = "EEA"
	PublicationFeatureType    = "Feature"
)

// ProductInfo is the product description a worker stores in a
// {product}_json attribute.
type ProductInfo struct {
	ProductIdentifier  string   `json:"productIdentifier"`
	Title              string   `json:"title"`
	ResourceSize       *int64   `json:"resourceSize"`
	StartDate          string   `json:"startDate"`
	CompletionDate     string   `json:"completionDate"`
	ProductType        string   `json:"productType"`
	Resolution         *float64 `json:"resolution"`
	Mission            string   `json:"mission"`
	CloudCover         *float64 `json:"cloudCover,omitempty"`
	ProcessingBaseline string   `json:"processingBaseline"`
	HostBase           string   `json:"host_base"`
	S3Bucket           string   `json:"s3_bucket"`
	Thumbnail          string   `json:"thumbnail,omitempty"`
	WKT                string   `json:"wkt"`
}

// MissingFields lists the required fields left empty by the worker.
// cloudCover and thumbnail are optional.
func (p ProductInfo) MissingFields() []string {
	var missing []string
	check := func(name string, empty bool) {
		if empty {
			missing = append(missing, name)
		}
	}
	check("productIdentifier", p.ProductIdentifier == "")
	check("title", p.Title == "")
	check("resourceSize", p.ResourceSize == nil)
	check("startDate", p.StartDate == "")
	check("completionDate", p.CompletionDate == "")
	check("productType", p.ProductType == "")
	check("resolution", p.Resolution == nil)
	check("mission", p.Mission == "")
	check("processingBaseline", p.ProcessingBaseline == "")
	check("host_base", p.HostBase == "")
	check("s3_bucket", p.S3Bucket == "")
	check("wkt", p.WKT == "")
	return missing
}

// ParseProductInfos decodes a worker document holding either one product
// description or a list of them.
func ParseProductInfos(doc RawDocument) ([]ProductInfo, error) {
	trimmed := strings.TrimSpace(string(doc))
	if trimmed == "" {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var infos []ProductInfo
		if err := json.Unmarshal(doc, &infos); err != nil {
			return nil, fmt.Errorf("decoding product list: %w", err)
		}
		return infos, nil
	}
	var info ProductInfo
	if err := json.Unmarshal(doc, &info); err != nil {
		return nil, fmt.Errorf("decoding product: %w", err)
	}
	return []ProductInfo{info}, nil
}

// PublicationPayload is the document emitted on the product publication
// exchange.
type PublicationPayload struct {
	CollectionName string       `json:"collection_name"`
	Resto          RestoFeature `json:"resto"`
}

// RestoFeature is the indexing-service feature wrapped by a payload.
type RestoFeature struct {
	Type       string          `json:"type"`
	Geometry   RestoGeometry   `json:"geometry"`
	Properties RestoProperties `json:"properties"`
}

// RestoGeometry carries the footprint as WKT.
type RestoGeometry struct {
	WKT string `json:"wkt"`
}

// RestoProperties are the indexed product properties.
type RestoProperties struct {
	ProductIdentifier  string   `json:"productIdentifier"`
	Title              string   `json:"title"`
	ResourceSize       int64    `json:"resourceSize"`
	OrganisationName   string   `json:"organisationName"`
	StartDate          string   `json:"startDate"`
	CompletionDate     string   `json:"completionDate"`
	ProductType        string   `json:"productType"`
	Resolution         float64  `json:"resolution"`
	Mission            string   `json:"mission"`
	CloudCover         *float64 `json:"cloudCover"`
	ProcessingBaseline string   `json:"processingBaseline"`
	HostBase           string   `json:"host_base"`
	S3Bucket           string   `json:"s3_bucket"`
	Thumbnail          *string  `json:"thumbnail"`
}

// NewPublicationPayload builds the payload of a validated product.
func NewPublicationPayload(info ProductInfo) PublicationPayload {
	props := RestoProperties{
		ProductIdentifier:  info.ProductIdentifier,
		Title:              info.Title,
		OrganisationName:   PublicationOrganisation,
		StartDate:          info.StartDate,
		CompletionDate:     info.CompletionDate,
		ProductType:        info.ProductType,
		Mission:            info.Mission,
		CloudCover:         info.CloudCover,
		ProcessingBaseline: info.ProcessingBaseline,
		HostBase:           info.HostBase,
		S3Bucket:           info.S3Bucket,
	}
	if info.ResourceSize != nil {
		props.ResourceSize = *info.ResourceSize
	}
	if info.Resolution != nil {
		props.Resolution = *info.Resolution
	}
	if info.Thumbnail != "" {
		thumbnail := info.Thumbnail
		props.Thumbnail = &thumbnail
	}
	return PublicationPayload{
		CollectionName: PublicationCollectionName,
		Resto: RestoFeature{
			Type:       PublicationFeatureType,
			Geometry:   RestoGeometry{WKT: info.WKT},
			Properties: props,
		},
	}
}
