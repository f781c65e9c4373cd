package models

import (
	"fmt"
	"time"
)

// JobType names a product family. The store keeps one table per type.
type JobType string

const (
	JobTypeFscRlie  JobType = "fsc_rlie"
	JobTypeSwsWds   JobType = "sws_wds"
	JobTypeRlieS1   JobType = "rlie_s1"
	JobTypeRlieS1S2 JobType = "rlie_s1s2"
	JobTypeGfsc     JobType = "gfsc"
	JobTypeTest     JobType = "test"
)

// AllJobTypes lists every family in dispatch order.
var AllJobTypes = []JobType{
	JobTypeFscRlie,
	JobTypeSwsWds,
	JobTypeRlieS1,
	JobTypeRlieS1S2,
	JobTypeGfsc,
	JobTypeTest,
}

// Table returns the child table holding jobs of type t.
func (t JobType) Table() string {
	return string(t) + "_jobs"
}

// Tables shared by every family.
const (
	TableParentJobs       = "parent_jobs"
	TableJobStatusChanges = "job_status_changes"
	TableSystemParameters = "system_parameters"
)

// ParentJob carries the attributes shared across families.
type ParentJob struct {
	ID                   int64      `json:"id,omitempty"`
	Name                 string     `json:"name"`
	JobType              JobType    `json:"job_type"`
	Priority             Priority   `json:"priority"`
	NomadID              *string    `json:"nomad_id"`
	NextLogLevel         string     `json:"next_log_level"`
	LastStatusID         *int       `json:"last_status_id"`
	LastStatusChangeDate *time.Time `json:"last_status_change_date"`
}

// ParentColumns are the parent_jobs columns a caller may patch.
var ParentColumns = []string{"name", "priority", "nomad_id", "next_log_level"}

// JobBase is embedded by every family. ID is the child row id, ParentJobID
// the parent_jobs id that status history refers to.
type JobBase struct {
	ID          int64     `json:"id,omitempty"`
	ParentJobID int64     `json:"fk_parent_job_id,omitempty"`
	TileID      string    `json:"tile_id"`
	NRT         bool      `json:"nrt"`
	Parent      ParentJob `json:"-"`
}

// Base exposes the shared fields to code holding a Job.
func (b *JobBase) Base() *JobBase { return b }

// LastStatus returns the denormalised status and whether it is a known value.
func (b *JobBase) LastStatus() (Status, bool) {
	if b.Parent.LastStatusID == nil {
		return 0, false
	}
	s := Status(*b.Parent.LastStatusID)
	return s, s.Valid()
}

// SetLastStatus mirrors a successful status change on the in-memory job.
func (b *JobBase) SetLastStatus(s Status, at time.Time) {
	id := int(s)
	at = at.UTC()
	b.Parent.LastStatusID = &id
	b.Parent.LastStatusChangeDate = &at
}

// NomadID returns the dispatch id or "".
func (b *JobBase) NomadID() string {
	if b.Parent.NomadID == nil {
		return ""
	}
	return *b.Parent.NomadID
}

// SetNomadID records the batch scheduler dispatch id.
func (b *JobBase) SetNomadID(id string) {
	b.Parent.NomadID = &id
}

func (b *JobBase) setupParent(t JobType, name, logLevel string, reprocessed bool) {
	b.NRT = !reprocessed
	b.Parent.JobType = t
	if b.Parent.Name == "" {
		b.Parent.Name = name
	}
	b.Parent.NextLogLevel = logLevel
	if reprocessed {
		b.Parent.Priority = PriorityReprocessing
	} else if b.Parent.Priority == "" {
		b.Parent.Priority = PriorityNRT
	}
}

// Job is implemented by every family.
type Job interface {
	Base() *JobBase
	Type() JobType
	// InputID identifies the triggering input product.
	InputID() string
	MeasurementDate() time.Time
	// CataloguePublicationDate is the date the creation cursor advances on.
	CataloguePublicationDate() *time.Time
	// PreInsertionSetup fills defaults before the first insert.
	PreInsertionSetup(logLevel string, reprocessed bool)
	// Products lists the artefacts the worker may have produced.
	Products() []ProductOutput
}

// ProductOutput describes one artefact of a job as the worker left it.
type ProductOutput struct {
	Name string
	// PathColumn and PublicationColumn are the store columns backing Path
	// and the publication timestamp.
	PathColumn        string
	PublicationColumn string
	Path              string
	Info              JSONText[RawDocument]
	// MarkPublished writes the publication timestamp on the job.
	MarkPublished func(time.Time)
}

// Generated reports whether the worker registered this artefact.
func (p ProductOutput) Generated() bool {
	return p.Path != "" && p.Info.Valid
}

// GeneratedAProduct reports whether at least one artefact of j exists.
func GeneratedAProduct(j Job) bool {
	for _, p := range j.Products() {
		if p.Generated() {
			return true
		}
	}
	return false
}

// NewJob returns an empty job of type t, ready to be decoded into.
func NewJob(t JobType) (Job, error) {
	switch t {
	case JobTypeFscRlie:
		return &FscRlieJob{}, nil
	case JobTypeSwsWds:
		return &SwsWdsJob{}, nil
	case JobTypeRlieS1:
		return &RlieS1Job{}, nil
	case JobTypeRlieS1S2:
		return &RlieS1S2Job{}, nil
	case JobTypeGfsc:
		return &GfscJob{}, nil
	case JobTypeTest:
		return &TestJob{}, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
}

// ParseJobType validates a job type name.
func ParseJobType(name string) (JobType, error) {
	for _, t := range AllJobTypes {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", name)
}

func stampPtr(dst **time.Time) func(time.Time) {
	return func(t time.Time) {
		t = t.UTC()
		*dst = &t
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// TimePtr returns a pointer to t in UTC.
func TimePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

func jobName(tile string, date time.Time) string {
	return fmt.Sprintf("%s-%s", tile, date.UTC().Format("2006-01-02"))
}
