// Package publication announces the products of processed jobs to the
// indexing service and retries the ones it reports as failed.
package publication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cosims/nrt-orchestrator/internal/bus"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/jobs"
	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/metrics"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// MaxPublicationFailures is the number of consecutive indexing failures
// after which a job is no longer republished.
const MaxPublicationFailures = 3

// DefaultDrainWait is how long failed-product notifications are collected
// per tick.
const DefaultDrainWait = time.Second

// BrokerFactory returns the broker reached at endpoint.
type BrokerFactory func(endpoint string) bus.Broker

// ParamsSource returns the current system parameters.
type ParamsSource func(ctx context.Context) (*models.SystemParameters, error)

type Options struct {
	JobTypes  []models.JobType
	DrainWait time.Duration
}

// Service is the publication loop.
type Service struct {
	store   *store.Store
	params  ParamsSource
	brokers BrokerFactory
	opts    Options
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *zap.Logger
}

func New(st *store.Store, params ParamsSource, brokers BrokerFactory, opts Options, m *metrics.Metrics, clk clock.Clock, logger *zap.Logger) *Service {
	if opts.DrainWait == 0 {
		opts.DrainWait = DefaultDrainWait
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if clk == nil {
		clk = clock.C
	}
	return &Service{store: st, params: params, brokers: brokers, opts: opts, metrics: m, clock: clk, logger: logger}
}

// Tick implements service.Loop.
func (s *Service) Tick(ctx context.Context) error {
	params, err := s.params(ctx)
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx, s.logger)
	types := s.opts.JobTypes
	if len(types) == 0 {
		types = models.AllJobTypes
	}
	types = params.ActiveJobTypes(types)

	var session bus.Session
	if params.ProductPublicationEndpoint == "" {
		logger.Warn("No product publication endpoint configured, products are not announced")
	} else {
		session, err = s.brokers(params.ProductPublicationEndpoint).Open(ctx)
		if err != nil {
			return brokerError(err)
		}
		defer session.Close()
	}

	for _, t := range types {
		if err := s.publishType(ctx, session, t); err != nil {
			return fmt.Errorf("publishing %s jobs: %w", t, err)
		}
	}
	if session == nil {
		return nil
	}
	return s.retryFailed(ctx, session, types)
}

// brokerError maps a broker failure to the error taxonomy: refused
// credentials are a local misconfiguration.
func brokerError(err error) error {
	if errors.Is(err, bus.ErrAccessRefused) {
		return csierr.Internal(csierr.SubtypeRabbitMQQueue, "broker refused the credentials", err)
	}
	return csierr.External(csierr.SubtypeRabbitMQQueue, "broker unavailable", err)
}

func (s *Service) publishType(ctx context.Context, session bus.Session, t models.JobType) error {
	processed, err := s.store.JobsWithLastStatus(ctx, t, models.StatusProcessed)
	if err != nil {
		return err
	}
	for _, job := range processed {
		if err := s.publishJob(ctx, session, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publishJob(ctx context.Context, session bus.Session, job models.Job) error {
	logger := logging.ForJob(logging.FromContext(ctx, s.logger), job)
	jobType := string(job.Type())

	if !models.GeneratedAProduct(job) {
		_, err := s.store.PostNewStatusChange(ctx, job, models.StatusDone, "", "no product generated")
		return err
	}
	if _, err := s.store.PostNewStatusChange(ctx, job, models.StatusStartPublication, "", ""); err != nil {
		return err
	}

	var columns []string
	if session != nil {
		for _, pub := range jobs.PublicationPayloads(job, logger) {
			for _, payload := range pub.Payloads {
				body, err := json.Marshal(payload)
				if err != nil {
					return fmt.Errorf("encoding payload of %s: %w", pub.Product.Name, err)
				}
				if err := session.Publish(ctx, body); err != nil {
					s.metrics.Publications.WithLabelValues(jobType, "failed").Inc()
					return s.publishFailed(ctx, job, err)
				}
				s.metrics.Publications.WithLabelValues(jobType, "published").Inc()
			}
			if pub.Product.MarkPublished != nil {
				pub.Product.MarkPublished(s.clock.Now().UTC())
				columns = append(columns, pub.Product.PublicationColumn)
			}
		}
	}
	if len(columns) > 0 {
		if err := s.store.PatchJob(ctx, job, columns...); err != nil {
			return err
		}
	}
	return s.store.PostStatusChain(ctx, job,
		store.StatusStep{Status: models.StatusPublished},
		store.StatusStep{Status: models.StatusDone},
	)
}

// publishFailed records a broker failure on job. A refused login stops the
// tick; a transport problem sends the job back to processed.
func (s *Service) publishFailed(ctx context.Context, job models.Job, err error) error {
	logger := logging.ForJob(logging.FromContext(ctx, s.logger), job)
	if errors.Is(err, bus.ErrAccessRefused) {
		if _, perr := s.store.PostNewStatusChange(ctx, job, models.StatusInternalError, csierr.SubtypeRabbitMQQueue, err.Error()); perr != nil {
			logger.Error("Could not record the broker failure", zap.Error(perr))
		}
		return brokerError(err)
	}
	logger.Warn("Publication postponed", zap.Error(err))
	return s.store.PostStatusChain(ctx, job,
		store.StatusStep{Status: models.StatusExternalError, Subtype: csierr.SubtypeRabbitMQQueue, Message: err.Error()},
		store.StatusStep{Status: models.StatusErrorChecked},
		store.StatusStep{Status: models.StatusProcessed},
	)
}

// retryFailed handles the products the indexing service rejected.
// Notifications that cannot be matched to a job are skipped.
func (s *Service) retryFailed(ctx context.Context, session bus.Session, types []models.JobType) error {
	logger := logging.FromContext(ctx, s.logger)
	bodies, err := session.DrainFailed(ctx, s.opts.DrainWait)
	if err != nil {
		return brokerError(err)
	}
	if len(bodies) == 0 {
		return nil
	}
	logger.Info("Failed products reported", zap.Int("messages", len(bodies)))

	var skipped *multierror.Error
	for _, body := range bodies {
		var payload models.PublicationPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			skipped = multierror.Append(skipped, fmt.Errorf("decoding failed-product message: %w", err))
			continue
		}
		title := payload.Resto.Properties.Title
		job, err := s.findByProduct(ctx, types, title)
		if err != nil {
			return err
		}
		if job == nil {
			skipped = multierror.Append(skipped, fmt.Errorf("no job produced %q", title))
			continue
		}
		if err := s.retryJob(ctx, session, job, title, body); err != nil {
			if csierr.IsExternal(err) {
				skipped = multierror.Append(skipped, err)
				continue
			}
			return err
		}
	}
	if err := skipped.ErrorOrNil(); err != nil {
		logger.Warn("Some failed-product messages were not retried", zap.Error(err))
	}
	return nil
}

// findByProduct returns the job whose product path contains title.
func (s *Service) findByProduct(ctx context.Context, types []models.JobType, title string) (models.Job, error) {
	if title == "" {
		return nil, nil
	}
	for _, t := range types {
		for _, column := range jobs.ProductPathColumns(t) {
			found, err := s.store.FindJobs(ctx, t, store.NewQuery().Like(column, "*"+title+"*").OrderBy("id", true).Limit(1))
			if err != nil {
				return nil, err
			}
			if len(found) > 0 {
				return found[0], nil
			}
		}
	}
	return nil, nil
}

func (s *Service) retryJob(ctx context.Context, session bus.Session, job models.Job, title string, body []byte) error {
	logger := logging.ForJob(logging.FromContext(ctx, s.logger), job).With(zap.String("title", title))
	jobType := string(job.Type())

	histories, err := s.store.StatusHistory(ctx, []int64{job.Base().ParentJobID})
	if err != nil {
		return err
	}
	history := histories[job.Base().ParentJobID]
	if last, ok := history.Last(); !ok || last.Status != models.StatusDone {
		logger.Info("Job is not done, ignoring the failure report")
		return nil
	}

	if history.TrailingPublicationFailures()+1 >= MaxPublicationFailures {
		logger.Error("Indexing keeps failing, giving up")
		s.metrics.Publications.WithLabelValues(jobType, "abandoned").Inc()
		_, err := s.store.PostNewStatusChange(ctx, job, models.StatusInternalError, csierr.SubtypeEndpointPublication,
			fmt.Sprintf("indexing of %s failed %d times", title, MaxPublicationFailures))
		return err
	}

	if err := session.Publish(ctx, body); err != nil {
		s.metrics.Publications.WithLabelValues(jobType, "failed").Inc()
		return brokerError(err)
	}
	s.metrics.Publications.WithLabelValues(jobType, "republished").Inc()
	logger.Warn("Indexing failed, product republished")
	return s.store.PostStatusChain(ctx, job,
		store.StatusStep{Status: models.StatusExternalError, Subtype: csierr.SubtypeEndpointPublication,
			Message: fmt.Sprintf("indexing of %s failed", title)},
		store.StatusStep{Status: models.StatusErrorChecked},
		store.StatusStep{Status: models.StatusDone},
	)
}
