package jobs

import (
	"context"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"go.uber.org/zap"
)

// Priority thresholds of NRT jobs.
const (
	NRTMeasurementToHub = 24 * time.Hour
	NRTHubToCatalogue   = 3 * time.Hour
)

// hubDateColumn is the column holding the source-agency publication date of
// a family's input, "" for families the hub does not date.
func hubDateColumn(t models.JobType) string {
	switch t {
	case models.JobTypeFscRlie:
		return "l1c_esa_publication_date"
	case models.JobTypeSwsWds:
		return "s1_esa_publication_date"
	default:
		return ""
	}
}

func hubDate(job models.Job) **time.Time {
	switch j := job.(type) {
	case *models.FscRlieJob:
		return &j.L1CEsaPublicationDate
	case *models.SwsWdsJob:
		return &j.S1EsaPublicationDate
	default:
		return nil
	}
}

// HubDated reports whether the hub dates the inputs of t, which makes t go
// through batch configuration.
func HubDated(t models.JobType) bool {
	return hubDateColumn(t) != ""
}

// EnrichHubDates fills the missing source-agency publication dates of jobs.
// It returns the jobs that were dated and the jobs the hub could not date.
func EnrichHubDates(ctx context.Context, deps *Deps, jobs []models.Job) (dated, failed []models.Job) {
	byID := make(map[string][]models.Job)
	var ids []string
	for _, job := range jobs {
		field := hubDate(job)
		if field == nil || *field != nil {
			continue
		}
		id := catalogue.ProductName(job.InputID())
		if _, ok := byID[id]; !ok {
			ids = append(ids, id)
		}
		byID[id] = append(byID[id], job)
	}
	if len(ids) == 0 || deps.Hub == nil {
		return nil, nil
	}

	result := deps.Hub.PublicationDates(ctx, ids)
	for _, id := range ids {
		date, ok := result.Dates[id]
		for _, job := range byID[id] {
			if !ok {
				failed = append(failed, job)
				continue
			}
			*hubDate(job) = models.TimePtr(date)
			dated = append(dated, job)
		}
		if err, bad := result.Failed[id]; bad {
			deps.Logger.Debug("Hub could not date input", zap.String("input_id", id), zap.Error(err))
		}
	}
	return dated, failed
}

// AssignPriority classifies job by how late its input reached the
// catalogue. Families not dated by the hub keep their priority.
func AssignPriority(job models.Job) models.Priority {
	base := job.Base()
	if !base.NRT {
		return models.PriorityReprocessing
	}
	field := hubDate(job)
	if field == nil {
		if base.Parent.Priority == "" {
			return models.PriorityNRT
		}
		return base.Parent.Priority
	}
	hub := *field
	catalogued := job.CataloguePublicationDate()
	if hub == nil || catalogued == nil {
		return models.PriorityDelayed
	}
	if hub.Sub(job.MeasurementDate()) < NRTMeasurementToHub && catalogued.Sub(*hub) < NRTHubToCatalogue {
		return models.PriorityNRT
	}
	return models.PriorityDelayed
}

// BackfillHubDates dates the finished jobs of t stored before hub dating
// existed, reading at most limit rows with an id above after. Statuses are
// left untouched. next is the id to resume from, 0 once the rows are
// exhausted so the following pass starts over.
func BackfillHubDates(ctx context.Context, deps *Deps, t models.JobType, after int64, limit int) (patched int, next int64, err error) {
	column := hubDateColumn(t)
	if column == "" || deps.Hub == nil {
		return 0, 0, nil
	}
	q := store.NewQuery().IsNull(column).OrderBy("id", false)
	if after > 0 {
		q = q.Gt("id", after)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	candidates, err := deps.Store.FindJobs(ctx, t, q)
	if err != nil {
		return 0, after, err
	}
	if limit > 0 && len(candidates) == limit {
		next = candidates[len(candidates)-1].Base().ID
	}

	var finished []models.Job
	for _, job := range candidates {
		if status, ok := job.Base().LastStatus(); ok && status >= models.StatusDone {
			finished = append(finished, job)
		}
	}

	dated, _ := EnrichHubDates(ctx, deps, finished)
	for _, job := range dated {
		if err := deps.Store.PatchJob(ctx, job, column); err != nil {
			return patched, after, err
		}
		patched++
	}
	return patched, next, nil
}
