// Package execution dispatches ready jobs to the batch scheduler.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/nomad"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher starts parameterised scheduler jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobName string, meta map[string]string) (string, error)
}

// ParamsSource returns the current system parameters.
type ParamsSource func(ctx context.Context) (*models.SystemParameters, error)

type Options struct {
	JobTypes []models.JobType
	// JobNames maps a job type to its scheduler job.
	JobNames map[string]string
}

// Service is the execution loop.
type Service struct {
	store     *store.Store
	params    ParamsSource
	scheduler Dispatcher
	opts      Options
	logger    *zap.Logger
}

func New(st *store.Store, params ParamsSource, scheduler Dispatcher, opts Options, logger *zap.Logger) *Service {
	return &Service{store: st, params: params, scheduler: scheduler, opts: opts, logger: logger}
}

// errSchedulerDown ends the tick without touching the remaining jobs.
var errSchedulerDown = errors.New("scheduler refused the connection")

// Tick implements service.Loop.
func (s *Service) Tick(ctx context.Context) error {
	params, err := s.params(ctx)
	if err != nil {
		return err
	}
	types := s.opts.JobTypes
	if len(types) == 0 {
		types = models.AllJobTypes
	}
	for _, t := range params.ActiveJobTypes(types) {
		err := s.dispatchType(ctx, t)
		if errors.Is(err, errSchedulerDown) {
			return csierr.External(csierr.SubtypeNomadCommand, "scheduler unavailable, dispatch postponed", err)
		}
		if err != nil {
			return fmt.Errorf("dispatching %s jobs: %w", t, err)
		}
	}
	return nil
}

// sortByPriority orders jobs nrt first, then by id.
func sortByPriority(list []models.Job) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].Base(), list[j].Base()
		if a.Parent.Priority.Ordinal() != b.Parent.Priority.Ordinal() {
			return a.Parent.Priority.Ordinal() < b.Parent.Priority.Ordinal()
		}
		return a.ID < b.ID
	})
}

func (s *Service) dispatchType(ctx context.Context, t models.JobType) error {
	ready, err := s.store.JobsWithLastStatus(ctx, t, models.StatusReady)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}
	jobName, ok := s.opts.JobNames[string(t)]
	if !ok {
		return csierr.Internalf(csierr.SubtypeConfiguration, "no scheduler job configured for %s", t)
	}
	sortByPriority(ready)

	logger := logging.FromContext(ctx, s.logger).With(zap.String("job_type", string(t)))
	logger.Info("Dispatching jobs", zap.Int("jobs", len(ready)), zap.String("nomad_job", jobName))
	for _, job := range ready {
		if err := s.dispatch(ctx, jobName, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, jobName string, job models.Job) error {
	logger := logging.ForJob(logging.FromContext(ctx, s.logger), job)
	meta := map[string]string{
		"job_id":        strconv.FormatInt(job.Base().ID, 10),
		"job_unique_id": uuid.NewString(),
	}

	id, err := s.scheduler.Dispatch(ctx, jobName, meta)
	switch {
	case err == nil:
	case errors.Is(err, nomad.ErrRefused):
		logger.Warn("Scheduler refused the connection, ending tick", zap.Error(err))
		return fmt.Errorf("%w: %v", errSchedulerDown, err)
	case errors.Is(err, nomad.ErrTimeout):
		logger.Warn("Dispatch timed out, job stays ready", zap.Error(err))
		return s.store.PostStatusChain(ctx, job,
			store.StatusStep{Status: models.StatusInternalError, Subtype: csierr.SubtypeNomadCommandTimeout, Message: err.Error()},
			store.StatusStep{Status: models.StatusErrorChecked},
			store.StatusStep{Status: models.StatusReady},
		)
	default:
		// A missing scheduler job and any other failure leave the job in
		// internal_error for an operator.
		logger.Error("Dispatch failed", zap.Error(err))
		_, perr := s.store.PostNewStatusChange(ctx, job, models.StatusInternalError, csierr.SubtypeNomadCommand, err.Error())
		return perr
	}

	job.Base().SetNomadID(id)
	if err := s.store.PatchParent(ctx, job, "nomad_id"); err != nil {
		return err
	}
	if _, err := s.store.PostNewStatusChange(ctx, job, models.StatusQueued, "", ""); err != nil {
		return err
	}
	logger.Debug("Job dispatched", zap.String("nomad_id", id), zap.String("job_unique_id", meta["job_unique_id"]))
	return nil
}
