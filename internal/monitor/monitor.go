// Package monitor reconciles the status of worker-owned jobs with what the
// batch scheduler reports and heals the jobs that drifted.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/nomad"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"go.uber.org/zap"
)

// InconsistencyDelay is how long a job must keep its status before a
// scheduler disagreement is acted on.
const InconsistencyDelay = 5 * time.Minute

// stuckAfter is how long a job may stay in a status before the worker is
// presumed unable to pull its image.
var stuckAfter = map[models.Status]time.Duration{
	models.StatusQueued:        60 * time.Minute,
	models.StatusStarted:       30 * time.Minute,
	models.StatusPreProcessing: 30 * time.Minute,
	models.StatusProcessing:    270 * time.Minute,
}

// workerOwned are the statuses in which a live allocation is expected.
var workerOwned = []models.Status{
	models.StatusQueued,
	models.StatusStarted,
	models.StatusPreProcessing,
	models.StatusProcessing,
	models.StatusPostProcessing,
}

// Scheduler is the part of the scheduler API the monitor reads.
type Scheduler interface {
	Summary(ctx context.Context, dispatchID string) (*nomad.JobSummary, error)
	Deregister(ctx context.Context, dispatchID string) error
}

// ParamsSource returns the current system parameters.
type ParamsSource func(ctx context.Context) (*models.SystemParameters, error)

// Service is the monitor loop.
type Service struct {
	store     *store.Store
	params    ParamsSource
	scheduler Scheduler
	jobTypes  []models.JobType
	clock     clock.Clock
	logger    *zap.Logger
}

func New(st *store.Store, params ParamsSource, scheduler Scheduler, jobTypes []models.JobType, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.C
	}
	return &Service{store: st, params: params, scheduler: scheduler, jobTypes: jobTypes, clock: clk, logger: logger}
}

// snapshot is what the monitor knew of a job when the tick started.
type snapshot struct {
	status     models.Status
	length     int
	lastChange time.Time
}

func snapshotOf(job models.Job, history models.History) snapshot {
	s := snapshot{length: len(history)}
	s.status, _ = job.Base().LastStatus()
	if last, ok := history.Last(); ok {
		s.lastChange = last.Time
	} else if d := job.Base().Parent.LastStatusChangeDate; d != nil {
		s.lastChange = *d
	}
	return s
}

// Tick implements service.Loop.
func (s *Service) Tick(ctx context.Context) error {
	params, err := s.params(ctx)
	if err != nil {
		return err
	}
	types := s.jobTypes
	if len(types) == 0 {
		types = models.AllJobTypes
	}
	for _, t := range params.ActiveJobTypes(types) {
		if err := s.monitorType(ctx, t); err != nil {
			return fmt.Errorf("monitoring %s jobs: %w", t, err)
		}
	}
	return nil
}

func (s *Service) monitorType(ctx context.Context, t models.JobType) error {
	owned, err := s.store.JobsWithLastStatus(ctx, t, workerOwned...)
	if err != nil {
		return err
	}
	if len(owned) == 0 {
		return nil
	}
	parentIDs := make([]int64, 0, len(owned))
	for _, job := range owned {
		parentIDs = append(parentIDs, job.Base().ParentJobID)
	}
	histories, err := s.store.StatusHistory(ctx, parentIDs)
	if err != nil {
		return err
	}

	logging.FromContext(ctx, s.logger).Debug("Monitoring jobs", zap.String("job_type", string(t)), zap.Int("jobs", len(owned)))
	for _, job := range owned {
		if err := s.check(ctx, job, snapshotOf(job, histories[job.Base().ParentJobID])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) check(ctx context.Context, job models.Job, snap snapshot) error {
	logger := logging.ForJob(logging.FromContext(ctx, s.logger), job)
	age := s.clock.Now().Sub(snap.lastChange)
	dispatchID := job.Base().NomadID()

	inconsistent := false
	var reason string
	if dispatchID == "" {
		inconsistent, reason = true, "job has no dispatch id"
	} else {
		summary, err := s.scheduler.Summary(ctx, dispatchID)
		switch {
		case errors.Is(err, nomad.ErrNotFound):
			inconsistent, reason = true, "dispatched job unknown to the scheduler"
		case err != nil:
			logger.Warn("Scheduler summary unavailable", zap.Error(err))
			return nil
		default:
			totals := summary.Totals()
			if totals.Running >= 1 && totals.Failed >= 1 {
				logger.Warn("Allocation failed while another runs, leaving it to the scheduler",
					zap.Int("running", totals.Running), zap.Int("failed", totals.Failed))
				return nil
			}
			if terminated(totals) {
				inconsistent = true
				reason = fmt.Sprintf("scheduler reports no live allocation (complete=%d failed=%d lost=%d)",
					totals.Complete, totals.Failed, totals.Lost)
			}
		}
	}

	if inconsistent {
		if age < InconsistencyDelay {
			return nil
		}
		return s.heal(ctx, job, snap, csierr.SubtypeNomadInconsistency, reason)
	}
	if limit, ok := stuckAfter[snap.status]; ok && age > limit {
		msg := fmt.Sprintf("job stuck in %s for %s", snap.status, age.Round(time.Minute))
		return s.heal(ctx, job, snap, csierr.SubtypeImagePull, msg)
	}
	return nil
}

// terminated reports whether every allocation of a job has ended.
func terminated(t nomad.TaskGroupSummary) bool {
	live := t.Running + t.Queued + t.Starting
	ended := t.Complete + t.Failed + t.Lost
	return live == 0 && ended > 0
}

// heal deregisters the dispatch of job and sends it back to ready through
// internal_error, provided nothing touched it since the snapshot.
func (s *Service) heal(ctx context.Context, job models.Job, snap snapshot, subtype, reason string) error {
	logger := logging.ForJob(logging.FromContext(ctx, s.logger), job)
	base := job.Base()

	current, err := s.store.StatusHistory(ctx, []int64{base.ParentJobID})
	if err != nil {
		return err
	}
	now := current[base.ParentJobID]
	last, ok := now.Last()
	if len(now) != snap.length || (ok && last.Status != snap.status) {
		logger.Info("Job moved since the snapshot, leaving it alone")
		return nil
	}

	if id := base.NomadID(); id != "" {
		if err := s.scheduler.Deregister(ctx, id); err != nil && !errors.Is(err, nomad.ErrNotFound) {
			logger.Warn("Deregistration failed", zap.String("nomad_id", id), zap.Error(err))
		}
	}

	logger.Warn("Healing job", zap.String("subtype", subtype), zap.String("reason", reason))
	return s.store.PostStatusChain(ctx, job,
		store.StatusStep{Status: models.StatusInternalError, Subtype: subtype, Message: reason},
		store.StatusStep{Status: models.StatusErrorChecked},
		store.StatusStep{Status: models.StatusReady},
	)
}
