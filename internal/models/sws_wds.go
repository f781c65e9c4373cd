package models

import (
	"fmt"
	"strings"
	"time"
)

// Assembly master markers.
const (
	AssemblyMasterSelf      int64 = 0
	AssemblyMasterUndecided int64 = -1
)

// SwsWdsJob processes the Sentinel-1 assembly covering one tile into SWS and
// WDS products.
type SwsWdsJob struct {
	JobBase

	S1ID                  string     `json:"s1_id"`
	S1Path                string     `json:"s1_path"`
	MeasurementDateValue  time.Time  `json:"measurement_date"`
	S1EsaCreationDate     *time.Time `json:"s1_esa_creation_date"`
	S1EsaPublicationDate  *time.Time `json:"s1_esa_publication_date"`
	S1DiasPublicationDate *time.Time `json:"s1_dias_publication_date"`
	ReferenceJob          bool       `json:"reference_job"`
	SliceNumber           int        `json:"s1_slice_number"`
	TotalSlices           int        `json:"s1_total_slices"`

	AssemblyID          string         `json:"assembly_id"`
	AssemblyStatus      AssemblyStatus `json:"assembly_status"`
	AssemblyPath        string         `json:"assembly_path"`
	AssemblyMasterJobID int64          `json:"assembly_master_job_id"`

	SwsPath            string                `json:"sws_path"`
	WdsPath            string                `json:"wds_path"`
	SwsJSON            JSONText[RawDocument] `json:"sws_json"`
	WdsJSON            JSONText[RawDocument] `json:"wds_json"`
	SwsPublicationDate *time.Time            `json:"sws_publication_date"`
	WdsPublicationDate *time.Time            `json:"wds_publication_date"`
}

func (j *SwsWdsJob) Type() JobType              { return JobTypeSwsWds }
func (j *SwsWdsJob) InputID() string            { return j.S1ID }
func (j *SwsWdsJob) MeasurementDate() time.Time { return j.MeasurementDateValue }

func (j *SwsWdsJob) CataloguePublicationDate() *time.Time {
	return j.S1DiasPublicationDate
}

func (j *SwsWdsJob) PreInsertionSetup(logLevel string, reprocessed bool) {
	j.setupParent(JobTypeSwsWds, jobName(j.TileID, j.MeasurementDateValue), logLevel, reprocessed)
	j.ReferenceJob = true
	j.AssemblyMasterJobID = AssemblyMasterUndecided
	if j.AssemblyStatus == "" {
		j.AssemblyStatus = AssemblyStatusPending
	}
}

// S1Platform returns the mission prefix of a Sentinel-1 identifier ("S1A").
func S1Platform(s1ID string) string {
	if len(s1ID) < 3 {
		return ""
	}
	return s1ID[:3]
}

// S1MissionTake returns the mission data take field of a Sentinel-1
// identifier, the second to last "_" token.
func S1MissionTake(s1ID string) string {
	tokens := strings.Split(strings.TrimSuffix(s1ID, ".SAFE"), "_")
	if len(tokens) < 2 {
		return ""
	}
	return tokens[len(tokens)-2]
}

// AssemblyIDFor builds "{platform}_{take}_{epsg}_{YYYYMMDD}".
func AssemblyIDFor(s1ID string, epsg int, measurement time.Time) string {
	return fmt.Sprintf("%s_%s_%d_%s",
		S1Platform(s1ID), S1MissionTake(s1ID), epsg, measurement.UTC().Format("20060102"))
}

func (j *SwsWdsJob) Products() []ProductOutput {
	return []ProductOutput{
		{
			Name:              "sws",
			PathColumn:        "sws_path",
			PublicationColumn: "sws_publication_date",
			Path:              j.SwsPath,
			Info:              j.SwsJSON,
			MarkPublished:     stampPtr(&j.SwsPublicationDate),
		},
		{
			Name:              "wds",
			PathColumn:        "wds_path",
			PublicationColumn: "wds_publication_date",
			Path:              j.WdsPath,
			Info:              j.WdsJSON,
			MarkPublished:     stampPtr(&j.WdsPublicationDate),
		},
	}
}
