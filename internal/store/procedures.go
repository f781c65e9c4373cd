package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"go.uber.org/zap"
)

// Stored procedure names.
const (
	ProcJobsWithLastStatus                = "jobs_with_last_status"
	ProcLastJobStatus                     = "last_job_status"
	ProcJobStatusHistory                  = "job_status_history"
	ProcJobsWithinMeasurementDate         = "get_jobs_within_measurement_date"
	ProcLastJobWithUsableL2A              = "get_last_job_with_usable_l2a"
	ProcLastJobWithUsableS1Assembly       = "get_last_job_with_usable_s1_assembly"
	ProcFscRlieJobsFollowingMeasurement   = "fsc_rlie_jobs_following_measurement_with_tile_id"
	ProcFscRlieJobLastInitNoBackward      = "fsc_rlie_job_last_init_with_tile_id_no_backward"
	ProcGfscJobsWithStatusProductDateTile = "gfsc_jobs_with_status_product_date_tile"
	ProcLastJobWithFscPublicationLatest   = "last_job_with_fsc_publication_latest_date"
)

// callProcedure runs a procedure with the hard timeout, retrying timeouts.
// Exhausted retries and non-timeout failures are internal errors.
func (s *Store) callProcedure(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.opts.ProcedureTimeout)
		defer cancel()
		result, err := s.procedures.Call(callCtx, name, params)
		if err == nil {
			rows = result
			return nil
		}
		if errors.Is(err, ErrStoreTimeout) && ctx.Err() == nil {
			s.logger.Warn("Stored procedure timed out, retrying",
				zap.String("procedure", name),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryWait), s.opts.ProcedureRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, csierr.Internal(csierr.SubtypeStoredProcedureRequest,
			fmt.Sprintf("procedure %s failed after %d attempt(s)", name, attempt), err)
	}
	return rows, nil
}

func statusNames(statuses []models.Status) []string {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, st.String())
	}
	return names
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// JobsWithLastStatus returns the jobs of type t whose last status is one of
// statuses.
func (s *Store) JobsWithLastStatus(ctx context.Context, t models.JobType, statuses ...models.Status) ([]models.Job, error) {
	rows, err := s.callProcedure(ctx, ProcJobsWithLastStatus, map[string]interface{}{
		"jobs_table": t.Table(),
		"status":     statusNames(statuses),
	})
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, t, rows)
}

// StatusHistory returns the ordered history of each parent job.
func (s *Store) StatusHistory(ctx context.Context, parentIDs []int64) (map[int64]models.History, error) {
	histories := make(map[int64]models.History, len(parentIDs))
	if len(parentIDs) == 0 {
		return histories, nil
	}
	rows, err := s.callProcedure(ctx, ProcJobStatusHistory, map[string]interface{}{
		"parent_ids": parentIDs,
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		var change models.JobStatusChange
		if err := models.DecodeRow(row, &change); err != nil {
			return nil, fmt.Errorf("decoding status change: %w", err)
		}
		histories[change.JobID] = append(histories[change.JobID], change)
	}
	return histories, nil
}

// LastJobStatus returns the latest status row of each parent job, restricted
// to statuses when given.
func (s *Store) LastJobStatus(ctx context.Context, parentIDs []int64, statuses ...models.Status) (map[int64]models.JobStatusChange, error) {
	last := make(map[int64]models.JobStatusChange, len(parentIDs))
	if len(parentIDs) == 0 {
		return last, nil
	}
	params := map[string]interface{}{"parent_ids": parentIDs}
	if len(statuses) > 0 {
		params["status"] = statusNames(statuses)
	}
	rows, err := s.callProcedure(ctx, ProcLastJobStatus, params)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		var change models.JobStatusChange
		if err := models.DecodeRow(row, &change); err != nil {
			return nil, fmt.Errorf("decoding status change: %w", err)
		}
		last[change.JobID] = change
	}
	return last, nil
}

// JobsWithinMeasurementDate returns the jobs of type t whose attribute lies
// in [start, end].
func (s *Store) JobsWithinMeasurementDate(ctx context.Context, t models.JobType, attribute string, start, end time.Time) ([]models.Job, error) {
	rows, err := s.callProcedure(ctx, ProcJobsWithinMeasurementDate, map[string]interface{}{
		"table":     t.Table(),
		"attribute": attribute,
		"start":     formatTime(start),
		"end":       formatTime(end),
	})
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, t, rows)
}

// LastJobWithUsableL2A returns the latest job of tile measured before
// highMeasurement whose L2A can still feed a later job.
func (s *Store) LastJobWithUsableL2A(ctx context.Context, tile string, highMeasurement, highCreation time.Time, currentInputID string, allowCodated, backwardTriggered bool) (*models.FscRlieJob, error) {
	rows, err := s.callProcedure(ctx, ProcLastJobWithUsableL2A, map[string]interface{}{
		"tile_id":                tile,
		"high_measurement_date":  formatTime(highMeasurement),
		"high_creation_date":     formatTime(highCreation),
		"current_input_id":       currentInputID,
		"allow_codated_jobs":     allowCodated,
		"backward_triggered_job": backwardTriggered,
	})
	if err != nil {
		return nil, err
	}
	jobs, err := s.fscRlieJobs(ctx, rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// LastJobWithUsableS1Assembly returns the latest radar-snow job of an
// assembly whose assembly can be reused.
func (s *Store) LastJobWithUsableS1Assembly(ctx context.Context, assemblyID string, allowCodated bool) (*models.SwsWdsJob, error) {
	rows, err := s.callProcedure(ctx, ProcLastJobWithUsableS1Assembly, map[string]interface{}{
		"assembly_id":        assemblyID,
		"allow_codated_jobs": allowCodated,
	})
	if err != nil {
		return nil, err
	}
	jobs, err := s.hydrate(ctx, models.JobTypeSwsWds, rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0].(*models.SwsWdsJob), nil
}

// FscRlieJobsFollowingMeasurement returns up to limit jobs of tile measured
// after lowMeasurement, in measurement order.
func (s *Store) FscRlieJobsFollowingMeasurement(ctx context.Context, tile string, lowMeasurement, lowCreation time.Time, limit int) ([]*models.FscRlieJob, error) {
	rows, err := s.callProcedure(ctx, ProcFscRlieJobsFollowingMeasurement, map[string]interface{}{
		"tile_id":              tile,
		"low_measurement_date": formatTime(lowMeasurement),
		"low_creation_date":    formatTime(lowCreation),
		"limit":                limit,
	})
	if err != nil {
		return nil, err
	}
	return s.fscRlieJobs(ctx, rows)
}

// FscRlieJobLastInitNoBackward returns the latest init job of tile measured
// up to highDate that has not been backward reprocessed.
func (s *Store) FscRlieJobLastInitNoBackward(ctx context.Context, tile string, highDate time.Time) (*models.FscRlieJob, error) {
	rows, err := s.callProcedure(ctx, ProcFscRlieJobLastInitNoBackward, map[string]interface{}{
		"tile_id":   tile,
		"high_date": formatTime(highDate),
	})
	if err != nil {
		return nil, err
	}
	jobs, err := s.fscRlieJobs(ctx, rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// GfscJobsWithStatusProductDateTile returns the GFSC jobs of a tile and
// product date whose last status is one of statuses.
func (s *Store) GfscJobsWithStatusProductDateTile(ctx context.Context, statuses []models.Status, productDate time.Time, tile string) ([]*models.GfscJob, error) {
	rows, err := s.callProcedure(ctx, ProcGfscJobsWithStatusProductDateTile, map[string]interface{}{
		"status":       statusNames(statuses),
		"product_date": formatTime(productDate),
		"tile_id":      tile,
	})
	if err != nil {
		return nil, err
	}
	jobs, err := s.hydrate(ctx, models.JobTypeGfsc, rows)
	if err != nil {
		return nil, err
	}
	gfsc := make([]*models.GfscJob, 0, len(jobs))
	for _, job := range jobs {
		gfsc = append(gfsc, job.(*models.GfscJob))
	}
	return gfsc, nil
}

// LastJobWithFscPublicationLatestDate returns the job of type t carrying the
// most recent input publication date.
func (s *Store) LastJobWithFscPublicationLatestDate(ctx context.Context, t models.JobType) (models.Job, error) {
	rows, err := s.callProcedure(ctx, ProcLastJobWithFscPublicationLatest, map[string]interface{}{
		"table": t.Table(),
	})
	if err != nil {
		return nil, err
	}
	jobs, err := s.hydrate(ctx, t, rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (s *Store) fscRlieJobs(ctx context.Context, rows []map[string]interface{}) ([]*models.FscRlieJob, error) {
	jobs, err := s.hydrate(ctx, models.JobTypeFscRlie, rows)
	if err != nil {
		return nil, err
	}
	fsc := make([]*models.FscRlieJob, 0, len(jobs))
	for _, job := range jobs {
		fsc = append(fsc, job.(*models.FscRlieJob))
	}
	return fsc, nil
}
