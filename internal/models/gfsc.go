package models

import (
	"fmt"
	"strings"
	"time"
)

// GfscProcessingBaseline is written in every GFSC identifier.
const GfscProcessingBaseline = "V101"

// HR-S&I product families that can trigger or feed a GFSC job.
const (
	ProductTypeFSC  = "FSC"
	ProductTypeWDS  = "WDS"
	ProductTypeSWS  = "SWS"
	ProductTypeGFSC = "GFSC"
)

// Mode flag tokens of HR-S&I identifiers.
const (
	ProvisionalFlag = "P"
	NominalFlag     = "N"
)

// GfscJob aggregates the snow products of up to AggregationTimespan days for
// one tile into a gap-filled product.
type GfscJob struct {
	JobBase

	ProductDate                      time.Time  `json:"product_date"`
	TriggeringProductID              string     `json:"triggering_product_id"`
	TriggeringProductPublicationDate *time.Time `json:"triggering_product_publication_date"`
	CurationTimestamp                time.Time  `json:"curation_timestamp"`
	AggregationTimespan              int        `json:"aggregation_timespan"`
	DailyJob                         bool       `json:"daily_job"`
	OverridingJobID                  *int64     `json:"overriding_job_id"`

	FscIDList  DelimitedList `json:"fsc_id_list"`
	WdsIDList  DelimitedList `json:"wds_id_list"`
	SwsIDList  DelimitedList `json:"sws_id_list"`
	GfscIDList DelimitedList `json:"gfsc_id_list"`

	GfscID              string                `json:"gfsc_id"`
	GfscPath            string                `json:"gfsc_path"`
	GfscJSON            JSONText[RawDocument] `json:"gfsc_json"`
	GfscPublicationDate *time.Time            `json:"gfsc_publication_date"`
}

func (j *GfscJob) Type() JobType              { return JobTypeGfsc }
func (j *GfscJob) InputID() string            { return j.TriggeringProductID }
func (j *GfscJob) MeasurementDate() time.Time { return j.ProductDate }

func (j *GfscJob) CataloguePublicationDate() *time.Time {
	return j.TriggeringProductPublicationDate
}

func (j *GfscJob) PreInsertionSetup(logLevel string, reprocessed bool) {
	j.setupParent(JobTypeGfsc, jobName(j.TileID, j.ProductDate), logLevel, reprocessed)
}

// InputsEmpty reports whether no input list has been populated.
func (j *GfscJob) InputsEmpty() bool {
	return len(j.FscIDList) == 0 && len(j.WdsIDList) == 0 &&
		len(j.SwsIDList) == 0 && len(j.GfscIDList) == 0
}

// HasInput reports whether id is among any of the input lists.
func (j *GfscJob) HasInput(id string) bool {
	return j.FscIDList.Contains(id) || j.WdsIDList.Contains(id) ||
		j.SwsIDList.Contains(id) || j.GfscIDList.Contains(id)
}

// Missions returns the mission token of the output identifier.
func (j *GfscJob) Missions() string {
	radar := len(j.WdsIDList) > 0 || len(j.SwsIDList) > 0
	optical := len(j.FscIDList) > 0
	switch {
	case radar && optical:
		return "S1-S2"
	case radar:
		return "S1"
	case optical:
		return "S2"
	}
	if len(j.GfscIDList) > 0 {
		tokens := strings.Split(j.GfscIDList[0], "_")
		if len(tokens) > 2 {
			return tokens[2]
		}
	}
	return "S1-S2"
}

// OutputID builds the GFSC identifier from the job's date, window, inputs,
// tile and curation timestamp.
func (j *GfscJob) OutputID() string {
	return fmt.Sprintf("GFSC_%s-%03d_%s_T%s_%s_%d",
		j.ProductDate.UTC().Format("20060102"),
		j.AggregationTimespan,
		j.Missions(),
		j.TileID,
		GfscProcessingBaseline,
		j.CurationTimestamp.Unix(),
	)
}

func (j *GfscJob) Products() []ProductOutput {
	return []ProductOutput{{
		Name:              "gfsc",
		PathColumn:        "gfsc_path",
		PublicationColumn: "gfsc_publication_date",
		Path:              j.GfscPath,
		Info:              j.GfscJSON,
		MarkPublished:     stampPtr(&j.GfscPublicationDate),
	}}
}

// HRSIProductType returns the family prefix of an HR-S&I identifier.
func HRSIProductType(id string) string {
	if idx := strings.Index(id, "_"); idx > 0 {
		return strings.ToUpper(id[:idx])
	}
	return strings.ToUpper(id)
}

// IsRadarProduct reports whether id is a WDS or SWS product.
func IsRadarProduct(id string) bool {
	t := HRSIProductType(id)
	return t == ProductTypeWDS || t == ProductTypeSWS
}

// IsProvisional reports whether id carries the provisional mode flag.
func IsProvisional(id string) bool {
	for _, token := range strings.Split(id, "_") {
		if token == ProvisionalFlag {
			return true
		}
	}
	return false
}

// ToggleModeFlag swaps the provisional and nominal flags of id.
func ToggleModeFlag(id string) string {
	tokens := strings.Split(id, "_")
	for i, token := range tokens {
		switch token {
		case ProvisionalFlag:
			tokens[i] = NominalFlag
		case NominalFlag:
			tokens[i] = ProvisionalFlag
		}
	}
	return strings.Join(tokens, "_")
}
