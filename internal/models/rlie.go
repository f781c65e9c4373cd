package models

import (
	"time"
)

// RlieS1Job processes one Sentinel-1 slice into tile-gridded ice products.
// TileList is filled by the worker once the covered tiles are known.
type RlieS1Job struct {
	JobBase

	S1ID                  string        `json:"s1_id"`
	S1Path                string        `json:"s1_path"`
	MeasurementDateValue  time.Time     `json:"measurement_date"`
	S1EsaCreationDate     *time.Time    `json:"s1_esa_creation_date"`
	S1DiasPublicationDate *time.Time    `json:"s1_dias_publication_date"`
	TileList              DelimitedList `json:"tile_list"`

	RlieS1Path            string                `json:"rlie_s1_path"`
	RlieS1JSON            JSONText[RawDocument] `json:"rlie_s1_json"`
	RlieS1PublicationDate *time.Time            `json:"rlie_s1_publication_date"`
}

func (j *RlieS1Job) Type() JobType                        { return JobTypeRlieS1 }
func (j *RlieS1Job) InputID() string                      { return j.S1ID }
func (j *RlieS1Job) MeasurementDate() time.Time           { return j.MeasurementDateValue }
func (j *RlieS1Job) CataloguePublicationDate() *time.Time { return j.S1DiasPublicationDate }

func (j *RlieS1Job) PreInsertionSetup(logLevel string, reprocessed bool) {
	name := S1Platform(j.S1ID) + "-" + j.MeasurementDateValue.UTC().Format("2006-01-02T15:04:05")
	j.setupParent(JobTypeRlieS1, name, logLevel, reprocessed)
}

// Satellite returns the Sentinel-1 unit ("S1A", "S1B").
func (j *RlieS1Job) Satellite() string {
	return S1Platform(j.S1ID)
}

func (j *RlieS1Job) Products() []ProductOutput {
	return []ProductOutput{{
		Name:              "rlie_s1",
		PathColumn:        "rlie_s1_path",
		PublicationColumn: "rlie_s1_publication_date",
		Path:              j.RlieS1Path,
		Info:              j.RlieS1JSON,
		MarkPublished:     stampPtr(&j.RlieS1PublicationDate),
	}}
}

// RlieS1S2Job fuses the radar and optical ice products of one tile and day.
type RlieS1S2Job struct {
	JobBase

	MeasurementDay    time.Time     `json:"measurement_date"`
	S1ProductIDList   DelimitedList `json:"rlie_s1_job_id_list"`
	S1ProductPathList DelimitedList `json:"rlie_s1_path_list"`
	S2ProductIDList   DelimitedList `json:"rlie_s2_job_id_list"`
	S2ProductPathList DelimitedList `json:"rlie_s2_path_list"`
	S1PublicationDate *time.Time    `json:"rlie_s1_publication_date"`
	S2PublicationDate *time.Time    `json:"rlie_s2_publication_date"`
	Satellite         string        `json:"s1_satellite"`

	RlieS1S2Path            string                `json:"rlie_s1s2_path"`
	RlieS1S2JSON            JSONText[RawDocument] `json:"rlie_s1s2_json"`
	RlieS1S2PublicationDate *time.Time            `json:"rlie_s1s2_publication_date"`
}

func (j *RlieS1S2Job) Type() JobType              { return JobTypeRlieS1S2 }
func (j *RlieS1S2Job) MeasurementDate() time.Time { return j.MeasurementDay }

func (j *RlieS1S2Job) InputID() string {
	return j.TileID + "_" + j.MeasurementDay.UTC().Format("20060102")
}

// CataloguePublicationDate is the latest of the two input publications.
func (j *RlieS1S2Job) CataloguePublicationDate() *time.Time {
	if j.S1PublicationDate == nil {
		return j.S2PublicationDate
	}
	if j.S2PublicationDate == nil || j.S1PublicationDate.After(*j.S2PublicationDate) {
		return j.S1PublicationDate
	}
	return j.S2PublicationDate
}

func (j *RlieS1S2Job) PreInsertionSetup(logLevel string, reprocessed bool) {
	j.setupParent(JobTypeRlieS1S2, jobName(j.TileID, j.MeasurementDay), logLevel, reprocessed)
}

func (j *RlieS1S2Job) Products() []ProductOutput {
	return []ProductOutput{{
		Name:              "rlie_s1s2",
		PathColumn:        "rlie_s1s2_path",
		PublicationColumn: "rlie_s1s2_publication_date",
		Path:              j.RlieS1S2Path,
		Info:              j.RlieS1S2JSON,
		MarkPublished:     stampPtr(&j.RlieS1S2PublicationDate),
	}}
}

// TestJob exercises the pipeline end to end without producing anything.
type TestJob struct {
	JobBase

	MeasurementDateValue time.Time `json:"measurement_date"`
	Comment              string    `json:"comment"`
}

func (j *TestJob) Type() JobType                        { return JobTypeTest }
func (j *TestJob) InputID() string                      { return j.Parent.Name }
func (j *TestJob) MeasurementDate() time.Time           { return j.MeasurementDateValue }
func (j *TestJob) CataloguePublicationDate() *time.Time { return nil }
func (j *TestJob) Products() []ProductOutput            { return nil }

func (j *TestJob) PreInsertionSetup(logLevel string, reprocessed bool) {
	j.setupParent(JobTypeTest, "test-"+j.MeasurementDateValue.UTC().Format("2006-01-02"), logLevel, reprocessed)
}
