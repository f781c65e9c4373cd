// Package configuration resolves job dependencies, picks processing modes
// and priorities, and moves jobs from initialized to ready.
package configuration

import (
	"context"
	"fmt"
	"sort"

	"github.com/WatchBeam/clock"
	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/jobs"
	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"go.uber.org/zap"
)

// DefaultBackfillLimit bounds the legacy rows dated per type and tick.
const DefaultBackfillLimit = 100

// ParamsSource returns the current system parameters.
type ParamsSource func(ctx context.Context) (*models.SystemParameters, error)

type Options struct {
	JobTypes []models.JobType
	// FusionTiles are the tiles radar-optical fusion jobs are paired on.
	FusionTiles   []string
	SIPBucket     string
	LogLevel      string
	BackfillLimit int
}

// Service is the configuration loop.
type Service struct {
	store  *store.Store
	params ParamsSource
	hub    catalogue.PublicationDater
	hrsi   catalogue.Searcher
	opts   Options
	clock  clock.Clock
	logger *zap.Logger

	// backfillAfter is the id each type's hub date backfill resumes from.
	backfillAfter map[models.JobType]int64
}

func New(st *store.Store, params ParamsSource, hub catalogue.PublicationDater, hrsi catalogue.Searcher, opts Options, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.C
	}
	if opts.BackfillLimit == 0 {
		opts.BackfillLimit = DefaultBackfillLimit
	}
	return &Service{
		store:  st,
		params: params,
		hub:    hub,
		hrsi:   hrsi,
		opts:   opts,
		clock:  clk,
		logger: logger,

		backfillAfter: make(map[models.JobType]int64),
	}
}

func (s *Service) deps(ctx context.Context, params *models.SystemParameters) *jobs.Deps {
	return &jobs.Deps{
		Store:     s.store,
		Params:    params,
		Hub:       s.hub,
		HRSI:      s.hrsi,
		SIPBucket: s.opts.SIPBucket,
		LogLevel:  s.opts.LogLevel,
		Clock:     s.clock,
		Logger:    logging.FromContext(ctx, s.logger),
	}
}

// Tick implements service.Loop.
func (s *Service) Tick(ctx context.Context) error {
	params, err := s.params(ctx)
	if err != nil {
		return err
	}
	deps := s.deps(ctx, params)
	types := s.opts.JobTypes
	if len(types) == 0 {
		types = models.AllJobTypes
	}
	for _, t := range params.ActiveJobTypes(types) {
		if t == models.JobTypeRlieS1S2 && len(s.opts.FusionTiles) > 0 {
			inserted, err := jobs.PairFusion(ctx, deps, s.opts.FusionTiles)
			if err != nil {
				return fmt.Errorf("pairing fusion jobs: %w", err)
			}
			if len(inserted) > 0 {
				deps.Logger.Info("Fusion jobs created", zap.Int("jobs", len(inserted)))
			}
		}
		if err := s.configureType(ctx, deps, t); err != nil {
			return fmt.Errorf("configuring %s jobs: %w", t, err)
		}
	}
	return nil
}

func sortByID(list []models.Job) {
	sort.Slice(list, func(i, j int) bool { return list[i].Base().ID < list[j].Base().ID })
}

func (s *Service) configureType(ctx context.Context, deps *jobs.Deps, t models.JobType) error {
	logger := deps.Logger.With(zap.String("job_type", string(t)))

	configured, err := s.store.JobsWithLastStatus(ctx, t, models.StatusConfigured)
	if err != nil {
		return err
	}
	initialized, err := s.store.JobsWithLastStatus(ctx, t, models.StatusInitialized)
	if err != nil {
		return err
	}
	sortByID(configured)
	sortByID(initialized)
	pending := append(configured, initialized...)

	if len(pending) > 0 {
		pending, err = s.batch(ctx, deps, t, pending)
		if err != nil {
			return err
		}
	}
	n, next, err := jobs.BackfillHubDates(ctx, deps, t, s.backfillAfter[t], s.opts.BackfillLimit)
	s.backfillAfter[t] = next
	if err != nil {
		logger.Warn("Hub date backfill failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Hub dates backfilled", zap.Int("jobs", n))
	}
	if len(pending) == 0 {
		return nil
	}

	logger.Info("Configuring jobs", zap.Int("configured", len(configured)), zap.Int("initialized", len(initialized)))
	for _, job := range pending {
		if err := s.configureJob(ctx, deps, job); err != nil {
			if csierr.IsExternal(err) {
				logging.ForJob(logger, job).Warn("Configuration postponed", zap.Error(err))
				continue
			}
			return fmt.Errorf("job %d: %w", job.Base().ID, err)
		}
	}
	return nil
}

// batch dates inputs with the hub, elects assembly masters and assigns
// priorities. Jobs the hub could not date are sent back to initialized and
// left out of the returned list.
func (s *Service) batch(ctx context.Context, deps *jobs.Deps, t models.JobType, pending []models.Job) ([]models.Job, error) {
	logger := deps.Logger.With(zap.String("job_type", string(t)))

	if jobs.HubDated(t) {
		dated, failed := jobs.EnrichHubDates(ctx, deps, pending)
		for _, job := range dated {
			if err := s.store.PatchJob(ctx, job); err != nil {
				return nil, err
			}
		}
		rejected := make(map[int64]bool, len(failed))
		for _, job := range failed {
			rejected[job.Base().ID] = true
			err := s.store.PostStatusChain(ctx, job,
				store.StatusStep{Status: models.StatusExternalError, Subtype: csierr.SubtypeSciHub,
					Message: "input publication date unavailable from the hub"},
				store.StatusStep{Status: models.StatusErrorChecked},
				store.StatusStep{Status: models.StatusInitialized},
			)
			if err != nil {
				return nil, err
			}
		}
		if len(failed) > 0 {
			logger.Warn("Hub could not date inputs", zap.Int("jobs", len(failed)))
			kept := pending[:0]
			for _, job := range pending {
				if !rejected[job.Base().ID] {
					kept = append(kept, job)
				}
			}
			pending = kept
		}
	}

	if t == models.JobTypeSwsWds {
		radar := make([]*models.SwsWdsJob, 0, len(pending))
		for _, job := range pending {
			radar = append(radar, job.(*models.SwsWdsJob))
		}
		changed, err := jobs.ElectAssemblyMasters(ctx, deps, radar)
		if err != nil {
			return nil, err
		}
		for _, job := range changed {
			if err := s.store.PatchJob(ctx, job, "assembly_master_job_id"); err != nil {
				return nil, err
			}
		}
	}

	for _, job := range pending {
		base := job.Base()
		priority := jobs.AssignPriority(job)
		if priority == base.Parent.Priority {
			continue
		}
		base.Parent.Priority = priority
		if err := s.store.PatchParent(ctx, job, "priority"); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// configureJob runs single-job configuration and records the outcome.
func (s *Service) configureJob(ctx context.Context, deps *jobs.Deps, job models.Job) error {
	logger := logging.ForJob(deps.Logger, job)
	from, _ := job.Base().LastStatus()

	decision, err := jobs.Configure(ctx, deps, job)
	if err != nil {
		return err
	}
	if err := s.store.PatchJob(ctx, job); err != nil {
		return err
	}
	if err := s.store.PatchParent(ctx, job); err != nil {
		return err
	}
	if len(decision.Inserted) > 0 {
		logger.Info("Backward reprocessing jobs spawned", zap.Int("jobs", len(decision.Inserted)))
	}

	steps := transition(from, decision)
	if len(steps) == 0 {
		if decision.Message != "" {
			logger.Debug("Job waits", zap.String("reason", decision.Message))
		}
		return nil
	}
	if err := s.store.PostStatusChain(ctx, job, steps...); err != nil {
		return err
	}
	logger.Debug("Job configured", zap.String("status", decision.Status.String()))
	return nil
}

// transition lists the status changes taking a job from its current status
// to the decided one. Every job passes through configured once.
func transition(from models.Status, d jobs.Decision) []store.StatusStep {
	switch {
	case d.Status == from:
		return nil
	case d.Status == models.StatusInternalError:
		return []store.StatusStep{{Status: d.Status, Subtype: d.Subtype, Message: d.Message}}
	case from == models.StatusInitialized && d.Status == models.StatusReady:
		return []store.StatusStep{{Status: models.StatusConfigured}, {Status: models.StatusReady, Message: d.Message}}
	default:
		return []store.StatusStep{{Status: d.Status, Message: d.Message}}
	}
}
