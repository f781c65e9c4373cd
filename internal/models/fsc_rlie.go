package models

import (
	"strings"
	"time"
)

// DuplicateInputValidity bounds how long after measurement a re-published
// input still replaces the job created for its first publication.
const DuplicateInputValidity = 24 * time.Hour

// DegradedQualityFlag is the FSC quality suffix of a degraded product.
const DegradedQualityFlag = "0"

// FscRlieJob processes one Sentinel-2 L1C into an L2A, an FSC and an RLIE.
type FscRlieJob struct {
	JobBase

	L1CID                   string              `json:"l1c_id"`
	L1CPath                 string              `json:"l1c_path"`
	L1CCloudCover           *float64            `json:"l1c_cloud_cover"`
	MeasurementDateValue    time.Time           `json:"measurement_date"`
	L1CEsaCreationDate      *time.Time          `json:"l1c_esa_creation_date"`
	L1CEsaPublicationDate   *time.Time          `json:"l1c_esa_publication_date"`
	L1CDiasPublicationDate  *time.Time          `json:"l1c_dias_publication_date"`
	ReferenceJob            bool                `json:"reference_job"`
	ReprocessingContext     ReprocessingContext `json:"reprocessing_context"`
	BackwardReprocessingRun bool                `json:"backward_reprocessing_run"`

	Mode                     Mode          `json:"mode"`
	JobsRunSinceLastInit     int           `json:"jobs_run_since_last_init"`
	L2AProducedSinceLastInit int           `json:"l2a_produced_since_last_init"`
	JobIDForLastValidL2A     *int64        `json:"job_id_for_last_valid_l2a"`
	L2AStatus                L2AStatus     `json:"l2a_status"`
	L2APathIn                string        `json:"l2a_path_in"`
	L2APathOut               string        `json:"l2a_path_out"`
	L1CIDList                DelimitedList `json:"l1c_id_list"`
	L1CPathList              DelimitedList `json:"l1c_path_list"`

	FscPath             string                `json:"fsc_path"`
	RliePath            string                `json:"rlie_path"`
	FscJSON             JSONText[RawDocument] `json:"fsc_json"`
	RlieJSON            JSONText[RawDocument] `json:"rlie_json"`
	FscCompletionDate   *time.Time            `json:"fsc_completion_date"`
	RlieCompletionDate  *time.Time            `json:"rlie_completion_date"`
	FscPublicationDate  *time.Time            `json:"fsc_publication_date"`
	RliePublicationDate *time.Time            `json:"rlie_publication_date"`
}

func (j *FscRlieJob) Type() JobType              { return JobTypeFscRlie }
func (j *FscRlieJob) InputID() string            { return j.L1CID }
func (j *FscRlieJob) MeasurementDate() time.Time { return j.MeasurementDateValue }

func (j *FscRlieJob) CataloguePublicationDate() *time.Time {
	return j.L1CDiasPublicationDate
}

// PreInsertionSetup prepares a fresh job. A reprocessed job is not part of
// the NRT chain.
func (j *FscRlieJob) PreInsertionSetup(logLevel string, reprocessed bool) {
	j.setupParent(JobTypeFscRlie, j.DefaultName(), logLevel, reprocessed)
	j.ReferenceJob = true
	if j.L2AStatus == "" {
		j.L2AStatus = L2AStatusPending
	}
}

// DefaultName is "{tile}-{YYYY-MM-DD}".
func (j *FscRlieJob) DefaultName() string {
	return jobName(j.TileID, j.MeasurementDateValue)
}

// CreationDate returns the L1C creation date, zero if unknown.
func (j *FscRlieJob) CreationDate() time.Time {
	return timeOrZero(j.L1CEsaCreationDate)
}

// FscQuality returns the quality flag encoded as the last "_" token of the
// FSC path.
func (j *FscRlieJob) FscQuality() string {
	path := strings.TrimRight(j.FscPath, "/")
	idx := strings.LastIndex(path, "_")
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}

// Degraded reports whether this job is a backward reprocessing candidate.
func (j *FscRlieJob) Degraded() bool {
	return j.L2AStatus == L2AStatusGenerated &&
		j.FscPath != "" &&
		j.FscQuality() == DegradedQualityFlag &&
		!j.BackwardReprocessingRun
}

func (j *FscRlieJob) Products() []ProductOutput {
	return []ProductOutput{
		{
			Name:              "fsc",
			PathColumn:        "fsc_path",
			PublicationColumn: "fsc_publication_date",
			Path:              j.FscPath,
			Info:              j.FscJSON,
			MarkPublished:     stampPtr(&j.FscPublicationDate),
		},
		{
			Name:              "rlie",
			PathColumn:        "rlie_path",
			PublicationColumn: "rlie_publication_date",
			Path:              j.RliePath,
			Info:              j.RlieJSON,
			MarkPublished:     stampPtr(&j.RliePublicationDate),
		},
	}
}
