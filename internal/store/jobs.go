package store

import (
	"context"
	"fmt"
	"time"

	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"go.uber.org/zap"
)

// StatusEvent describes a recorded status change.
type StatusEvent struct {
	JobID        int64          `json:"job_id"`
	ParentJobID  int64          `json:"parent_job_id"`
	JobType      models.JobType `json:"job_type"`
	TileID       string         `json:"tile_id"`
	Status       models.Status  `json:"status"`
	ErrorSubtype string         `json:"error_subtype,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Time         time.Time      `json:"time"`
}

// StatusStep is one transition of a status chain.
type StatusStep struct {
	Status  models.Status
	Subtype string
	Message string
}

// InsertJob posts the parent row then the child row, and writes the
// assigned ids back on job.
func (s *Store) InsertJob(ctx context.Context, job models.Job) error {
	base := job.Base()
	parentRow, err := models.EncodeRow(&base.Parent)
	if err != nil {
		return fmt.Errorf("encoding parent job: %w", err)
	}
	delete(parentRow, "id")

	created, err := s.insert(ctx, models.TableParentJobs, parentRow)
	if err != nil {
		return fmt.Errorf("inserting parent job: %w", err)
	}
	parentID, err := rowID(created, "id")
	if err != nil {
		return fmt.Errorf("reading parent job id: %w", err)
	}
	base.Parent.ID = parentID
	base.ParentJobID = parentID

	childRow, err := models.EncodeRow(job)
	if err != nil {
		return fmt.Errorf("encoding %s job: %w", job.Type(), err)
	}
	delete(childRow, "id")

	createdChild, err := s.insert(ctx, job.Type().Table(), childRow)
	if err != nil {
		return fmt.Errorf("inserting %s job: %w", job.Type(), err)
	}
	childID, err := rowID(createdChild, "id")
	if err != nil {
		return fmt.Errorf("reading %s job id: %w", job.Type(), err)
	}
	base.ID = childID
	return nil
}

// PatchJob writes the given child columns of job, or every column when none
// are named.
func (s *Store) PatchJob(ctx context.Context, job models.Job, columns ...string) error {
	base := job.Base()
	row, err := models.EncodeRow(job, columns...)
	if err != nil {
		return fmt.Errorf("encoding %s job: %w", job.Type(), err)
	}
	delete(row, "id")
	delete(row, "fk_parent_job_id")
	if len(row) == 0 {
		return nil
	}
	if err := s.update(ctx, job.Type().Table(), NewQuery().Eq("id", base.ID), row); err != nil {
		return fmt.Errorf("patching %s job %d: %w", job.Type(), base.ID, err)
	}
	return nil
}

// PatchParent writes parent_jobs columns of job. Without columns the
// caller-writable set is used.
func (s *Store) PatchParent(ctx context.Context, job models.Job, columns ...string) error {
	base := job.Base()
	if len(columns) == 0 {
		columns = models.ParentColumns
	}
	row, err := models.EncodeRow(&base.Parent, columns...)
	if err != nil {
		return fmt.Errorf("encoding parent job: %w", err)
	}
	if err := s.update(ctx, models.TableParentJobs, NewQuery().Eq("id", base.ParentJobID), row); err != nil {
		return fmt.Errorf("patching parent job %d: %w", base.ParentJobID, err)
	}
	return nil
}

// PostNewStatusChange appends a history row for job and refreshes the
// denormalised status of its parent row. A nil change with a non-nil error
// means the transition did not happen.
func (s *Store) PostNewStatusChange(ctx context.Context, job models.Job, status models.Status, subtype, message string) (*models.JobStatusChange, error) {
	base := job.Base()
	from, ok := base.LastStatus()
	if !ok {
		from = 0
	}
	if !models.CanTransition(from, status) {
		return nil, csierr.Internalf(csierr.SubtypeStatusTransition,
			"%s job %d cannot go from %s to %s", job.Type(), base.ID, from, status)
	}

	now := s.Now()
	change := models.JobStatusChange{JobID: base.ParentJobID, Status: status, Time: now}
	if subtype != "" {
		change.ErrorSubtype = &subtype
	}
	if message != "" {
		change.ErrorMessage = &message
	}
	row, err := models.EncodeRow(change)
	if err != nil {
		return nil, fmt.Errorf("encoding status change: %w", err)
	}
	delete(row, "id")

	created, err := s.insert(ctx, models.TableJobStatusChanges, row)
	if err != nil {
		s.logger.Warn("Status change not recorded",
			zap.Int64("job_id", base.ID),
			zap.String("status", status.String()),
			zap.Error(err))
		return nil, fmt.Errorf("posting status change: %w", err)
	}
	if id, err := rowID(created, "id"); err == nil {
		change.ID = id
	}

	parentRow := map[string]interface{}{
		"last_status_id":          int(status),
		"last_status_change_date": now.Format(time.RFC3339Nano),
	}
	if err := s.update(ctx, models.TableParentJobs, NewQuery().Eq("id", base.ParentJobID), parentRow); err != nil {
		return nil, fmt.Errorf("refreshing last status of parent job %d: %w", base.ParentJobID, err)
	}
	base.SetLastStatus(status, now)

	if s.listener != nil {
		s.listener.StatusChanged(ctx, StatusEvent{
			JobID:        base.ID,
			ParentJobID:  base.ParentJobID,
			JobType:      job.Type(),
			TileID:       base.TileID,
			Status:       status,
			ErrorSubtype: subtype,
			ErrorMessage: message,
			Time:         now,
		})
	}
	return &change, nil
}

// PostStatusChain applies steps in order and stops at the first failure.
func (s *Store) PostStatusChain(ctx context.Context, job models.Job, steps ...StatusStep) error {
	for _, step := range steps {
		if _, err := s.PostNewStatusChange(ctx, job, step.Status, step.Subtype, step.Message); err != nil {
			return err
		}
	}
	return nil
}

// FindJobs reads the jobs of type t matched by q, joined with their parents.
func (s *Store) FindJobs(ctx context.Context, t models.JobType, q *Query) ([]models.Job, error) {
	rows, err := s.selectRows(ctx, t.Table(), q)
	if err != nil {
		return nil, fmt.Errorf("selecting %s jobs: %w", t, err)
	}
	return s.hydrate(ctx, t, rows)
}

// JobByID reads one job by child id. A missing job is (nil, nil).
func (s *Store) JobByID(ctx context.Context, t models.JobType, id int64) (models.Job, error) {
	jobs, err := s.FindJobs(ctx, t, NewQuery().Eq("id", id))
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// MaxValue returns the largest non-null value of column in table, formatted
// as the store returns it.
func (s *Store) MaxValue(ctx context.Context, table, column string) (string, bool, error) {
	return s.MaxValueWhere(ctx, table, column, nil)
}

// MaxValueWhere is MaxValue over the rows matched by where.
func (s *Store) MaxValueWhere(ctx context.Context, table, column string, where *Query) (string, bool, error) {
	q := NewQuery()
	if where != nil {
		q.filters = append(q.filters, where.filters...)
	}
	q = q.Select(column).OrderBy(column, true).Limit(1)
	rows, err := s.selectRows(ctx, table, q)
	if err != nil {
		return "", false, fmt.Errorf("reading max %s.%s: %w", table, column, err)
	}
	if len(rows) == 0 || rows[0][column] == nil {
		return "", false, nil
	}
	return FormatValue(rows[0][column]), true, nil
}

// MaxTime is MaxValue for timestamp columns.
func (s *Store) MaxTime(ctx context.Context, table, column string) (*time.Time, error) {
	return s.MaxTimeWhere(ctx, table, column, nil)
}

// MaxTimeWhere is MaxTime over the rows matched by where.
func (s *Store) MaxTimeWhere(ctx context.Context, table, column string, where *Query) (*time.Time, error) {
	raw, ok, err := s.MaxValueWhere(ctx, table, column, where)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parsing max %s.%s: %w", table, column, err)
	}
	return models.TimePtr(t), nil
}

// SystemParameters reads the tunables row.
func (s *Store) SystemParameters(ctx context.Context) (*models.SystemParameters, error) {
	rows, err := s.selectRows(ctx, models.TableSystemParameters, NewQuery().OrderBy("id", false).Limit(1))
	if err != nil {
		return nil, fmt.Errorf("reading system parameters: %w", err)
	}
	if len(rows) == 0 {
		return nil, csierr.Internalf(csierr.SubtypeStoreRequest, "system_parameters table is empty")
	}
	var params models.SystemParameters
	if err := models.DecodeRow(rows[0], &params); err != nil {
		return nil, fmt.Errorf("decoding system parameters: %w", err)
	}
	return &params, nil
}

// hydrate decodes child rows and joins them with their parent rows, keeping
// the row order.
func (s *Store) hydrate(ctx context.Context, t models.JobType, rows []map[string]interface{}) ([]models.Job, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	jobs := make([]models.Job, 0, len(rows))
	parentIDs := make([]interface{}, 0, len(rows))
	seen := make(map[int64]bool, len(rows))
	for _, row := range rows {
		job, err := models.NewJob(t)
		if err != nil {
			return nil, err
		}
		if err := models.DecodeRow(row, job); err != nil {
			return nil, fmt.Errorf("decoding %s job: %w", t, err)
		}
		jobs = append(jobs, job)
		if pid := job.Base().ParentJobID; !seen[pid] {
			seen[pid] = true
			parentIDs = append(parentIDs, pid)
		}
	}

	parentRows, err := s.selectRows(ctx, models.TableParentJobs, NewQuery().In("id", parentIDs...))
	if err != nil {
		return nil, fmt.Errorf("joining parent jobs: %w", err)
	}
	parents := make(map[int64]models.ParentJob, len(parentRows))
	for _, row := range parentRows {
		var parent models.ParentJob
		if err := models.DecodeRow(row, &parent); err != nil {
			return nil, fmt.Errorf("decoding parent job: %w", err)
		}
		parents[parent.ID] = parent
	}
	for _, job := range jobs {
		base := job.Base()
		if parent, ok := parents[base.ParentJobID]; ok {
			base.Parent = parent
		}
	}
	return jobs, nil
}
