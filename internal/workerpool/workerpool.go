// Package workerpool scales the virtual machines running the scheduler
// agents against the demand of dispatched jobs and the vCPU budget.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/cosims/nrt-orchestrator/internal/config"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/iaas"
	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/metrics"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/nomad"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// apiInstanceMetadata carries the address of the store API to new workers.
const apiInstanceMetadata = "CSI_HTTP_API_INSTANCE_IP"

// Compute is the part of the compute API the controller uses.
type Compute interface {
	ListServers(ctx context.Context) ([]iaas.Server, error)
	FindServer(ctx context.Context, name string) (*iaas.Server, error)
	ConsoleOutput(ctx context.Context, serverID string) (string, error)
	CreateServer(ctx context.Context, req iaas.CreateServerRequest) (*iaas.Server, error)
	DeleteServer(ctx context.Context, serverID string) error
	DeleteServers(ctx context.Context, serverIDs []string) error
	CreateImage(ctx context.Context, serverID, name string) (*iaas.Image, error)
	GetImage(ctx context.Context, imageID string) (*iaas.Image, error)
	ListImages(ctx context.Context, prefix string) ([]iaas.Image, error)
	DeleteImage(ctx context.Context, imageID string) error
	Flavors(ctx context.Context) ([]iaas.Flavor, error)
}

// Scheduler is the part of the scheduler API the controller uses.
type Scheduler interface {
	Jobs(ctx context.Context, prefix string) ([]nomad.JobListStub, error)
	Nodes(ctx context.Context) ([]nomad.Node, error)
	NodeAllocations(ctx context.Context, nodeID string) ([]nomad.Allocation, error)
	SetEligibility(ctx context.Context, nodeID string, eligible bool) error
}

// ParamsSource returns the current system parameters.
type ParamsSource func(ctx context.Context) (*models.SystemParameters, error)

type Options struct {
	Pool     config.WorkerPoolConfig
	JobTypes []models.JobType
	// JobNames maps a job type to its parameterized scheduler job.
	JobNames      map[string]string
	APIInstanceIP string

	AllocationFetches int
	ImagePollInterval time.Duration
	ImageTimeout      time.Duration
}

// Service is the worker-pool loop.
type Service struct {
	compute   Compute
	scheduler Scheduler
	params    ParamsSource
	opts      Options
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    *zap.Logger

	vcpus     map[string]int
	drainedAt map[string]time.Time
}

func New(compute Compute, scheduler Scheduler, params ParamsSource, opts Options, m *metrics.Metrics, clk clock.Clock, logger *zap.Logger) *Service {
	defaults := config.Default(config.ServiceWorkerPool).WorkerPool
	if opts.Pool.NamePrefix == "" {
		opts.Pool.NamePrefix = defaults.NamePrefix
	}
	if opts.Pool.MinBatch <= 0 {
		opts.Pool.MinBatch = defaults.MinBatch
	}
	if opts.Pool.MaxBatch <= 0 {
		opts.Pool.MaxBatch = defaults.MaxBatch
	}
	if opts.Pool.SleepingAfter == 0 {
		opts.Pool.SleepingAfter = defaults.SleepingAfter
	}
	if opts.Pool.TemplateInitTimeout == 0 {
		opts.Pool.TemplateInitTimeout = defaults.TemplateInitTimeout
	}
	if opts.AllocationFetches <= 0 {
		opts.AllocationFetches = 4
	}
	if opts.ImagePollInterval == 0 {
		opts.ImagePollInterval = 10 * time.Second
	}
	if opts.ImageTimeout == 0 {
		opts.ImageTimeout = 15 * time.Minute
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if clk == nil {
		clk = clock.C
	}
	return &Service{
		compute:   compute,
		scheduler: scheduler,
		params:    params,
		opts:      opts,
		metrics:   m,
		clock:     clk,
		logger:    logger,
		drainedAt: map[string]time.Time{},
	}
}

// Tick implements service.Loop.
func (s *Service) Tick(ctx context.Context) error {
	params, err := s.params(ctx)
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx, s.logger)
	staleAfter := params.MaxMinutesWithoutAllocation()

	snap, err := s.snapshot(ctx, staleAfter)
	if err != nil {
		return err
	}

	staleCleaned := false
	if saturated(snap.usedVCPUs, params) {
		if stale := snap.withHealth(Stale); len(stale) > 0 {
			logger.Warn("vCPU budget exceeded, deleting every stale worker",
				zap.Int("used_vcpus", snap.usedVCPUs),
				zap.Int("max_vcpus", params.MaxNumberOfVcpus),
				zap.Int("stale", len(stale)))
			s.deleteWorkers(ctx, stale, "deleted_stale")
			staleCleaned = true
			if snap, err = s.snapshot(ctx, staleAfter); err != nil {
				return err
			}
		}
	}

	pending, err := s.pending(ctx, params)
	if err != nil {
		return err
	}
	demand := make(map[string]int, len(pending))
	for flavor, n := range pending {
		d := n - snap.count(flavor, func(w *worker) bool { return w.health == Intermediate || w.free() })
		if d > 0 {
			demand[flavor] = d
		}
	}
	s.reenable(ctx, snap, demand)
	toCreate := shape(demand, params.MaxNumberOfWorkerInstances-len(snap.workers), s.opts.Pool.MinBatch, s.opts.Pool.MaxBatch)
	logger.Debug("Worker pool state",
		zap.Int("workers", len(snap.workers)),
		zap.Int("used_vcpus", snap.usedVCPUs),
		zap.Any("pending", pending),
		zap.Any("to_create", toCreate))

	s.shrink(ctx, snap, pending)
	if !staleCleaned {
		s.cleanOneStale(ctx, snap)
	}
	return s.create(ctx, snap, toCreate, params)
}

func saturated(used int, params *models.SystemParameters) bool {
	if params.MaxNumberOfVcpus <= 0 {
		return false
	}
	ratio := params.MaxRatioOfVcpusToBeUsed
	if ratio <= 0 {
		ratio = 1
	}
	return float64(used)/float64(params.MaxNumberOfVcpus) > ratio
}

// pending counts, per flavor, the dispatched jobs waiting for a placement.
func (s *Service) pending(ctx context.Context, params *models.SystemParameters) (map[string]int, error) {
	types := s.opts.JobTypes
	if len(types) == 0 {
		types = models.AllJobTypes
	}
	out := map[string]int{}
	for _, t := range params.ActiveJobTypes(types) {
		name, ok := s.opts.JobNames[string(t)]
		if !ok {
			continue
		}
		flavor, ok := s.opts.Pool.JobFlavors[name]
		if !ok {
			s.logger.Debug("No flavor for scheduler job", zap.String("nomad_job", name))
			continue
		}
		stubs, err := s.scheduler.Jobs(ctx, name)
		if err != nil {
			return nil, csierr.External(csierr.SubtypeNomadCommand, "listing dispatched "+name+" jobs", err)
		}
		for _, stub := range stubs {
			if stub.ParentID == name && stub.Status == "pending" {
				out[flavor]++
			}
		}
	}
	return out, nil
}

// reenable puts drained workers of a flavor in demand back to work. Each
// one reenabled lowers the demand by one.
func (s *Service) reenable(ctx context.Context, snap *snapshot, demand map[string]int) {
	logger := logging.FromContext(ctx, s.logger)
	for _, w := range snap.workers {
		if w.health != Healthy || w.eligible() || demand[w.flavor] <= 0 {
			continue
		}
		if err := s.scheduler.SetEligibility(ctx, w.node.ID, true); err != nil {
			logger.Warn("Could not make worker eligible again", zap.String("worker", w.server.Name), zap.Error(err))
			continue
		}
		w.node.SchedulingEligibility = nomad.NodeEligible
		delete(s.drainedAt, w.server.Name)
		demand[w.flavor]--
		s.metrics.Workers.WithLabelValues("reenabled").Inc()
		logger.Info("Worker eligible again", zap.String("worker", w.server.Name), zap.String("flavor", w.flavor))
	}
}

// shrink drains a third of the sleeping workers of every flavor without
// pending jobs, and deletes the ones drained at least SleepingAfter ago
// that are still sleeping.
func (s *Service) shrink(ctx context.Context, snap *snapshot, pending map[string]int) {
	logger := logging.FromContext(ctx, s.logger)
	now := s.clock.Now()
	after := s.opts.Pool.SleepingAfter

	known := snap.names()
	for name := range s.drainedAt {
		if !known[name] {
			delete(s.drainedAt, name)
		}
	}

	sleepers := map[string][]*worker{}
	for _, w := range snap.workers {
		if pending[w.flavor] > 0 {
			continue
		}
		if w.eligible() {
			delete(s.drainedAt, w.server.Name)
		}
		if w.sleeping(now, after) {
			sleepers[w.flavor] = append(sleepers[w.flavor], w)
		}
	}

	var retire []*worker
	for _, flavor := range sortedKeys(sleepers) {
		var awake []*worker
		for _, w := range sleepers[flavor] {
			if w.eligible() {
				awake = append(awake, w)
				continue
			}
			since, ok := s.drainedAt[w.server.Name]
			if !ok {
				s.drainedAt[w.server.Name] = now
				continue
			}
			if now.Sub(since) >= after {
				retire = append(retire, w)
			}
		}

		n := (len(awake) + 2) / 3
		if n > s.opts.Pool.MaxBatch {
			n = s.opts.Pool.MaxBatch
		}
		for _, w := range awake[:n] {
			if err := s.scheduler.SetEligibility(ctx, w.node.ID, false); err != nil {
				logger.Warn("Could not drain worker", zap.String("worker", w.server.Name), zap.Error(err))
				continue
			}
			w.node.SchedulingEligibility = nomad.NodeIneligible
			s.drainedAt[w.server.Name] = now
			s.metrics.Workers.WithLabelValues("drained").Inc()
			logger.Info("Sleeping worker drained", zap.String("worker", w.server.Name), zap.String("flavor", flavor))
		}
	}

	for len(retire) > 0 {
		n := len(retire)
		if n > s.opts.Pool.MaxBatch {
			n = s.opts.Pool.MaxBatch
		}
		s.deleteWorkers(ctx, retire[:n], "deleted")
		retire = retire[n:]
	}
}

// cleanOneStale deletes the oldest stale worker.
func (s *Service) cleanOneStale(ctx context.Context, snap *snapshot) {
	stale := snap.withHealth(Stale)
	if len(stale) == 0 {
		return
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].server.Created.Before(stale[j].server.Created) })
	w := stale[0]
	logger := logging.FromContext(ctx, s.logger).With(zap.String("worker", w.server.Name))
	if err := s.compute.DeleteServer(ctx, w.server.ID); err != nil {
		logger.Error("Could not delete stale worker", zap.Error(err))
		return
	}
	s.metrics.Workers.WithLabelValues("deleted_stale").Inc()
	logger.Info("Stale worker deleted", zap.Time("created", w.server.Created))
}

func (s *Service) deleteWorkers(ctx context.Context, workers []*worker, action string) {
	ids := make([]string, 0, len(workers))
	names := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.server.ID)
		names = append(names, w.server.Name)
		delete(s.drainedAt, w.server.Name)
	}
	err := s.compute.DeleteServers(ctx, ids)
	failed := 0
	var merr *multierror.Error
	if errors.As(err, &merr) {
		failed = len(merr.Errors)
	} else if err != nil {
		failed = len(ids)
	}
	s.metrics.Workers.WithLabelValues(action).Add(float64(len(ids) - failed))

	logger := logging.FromContext(ctx, s.logger).With(zap.Strings("workers", names))
	if err != nil {
		logger.Error("Could not delete workers", zap.Error(err))
		return
	}
	logger.Info("Workers deleted", zap.String("reason", action))
}

// create boots the requested workers from the template image. Compute
// failures on single workers are logged and do not fail the tick.
func (s *Service) create(ctx context.Context, snap *snapshot, toCreate map[string]int, params *models.SystemParameters) error {
	total := 0
	for _, n := range toCreate {
		total += n
	}
	if total == 0 {
		return nil
	}
	logger := logging.FromContext(ctx, s.logger)

	template, err := s.compute.FindServer(ctx, s.opts.Pool.TemplateInstance)
	if err != nil {
		return csierr.External(csierr.SubtypeIaaSRequest, "looking up the worker template", err)
	}
	if template == nil {
		return csierr.Internalf(csierr.SubtypeWorkerTemplate, "worker template instance %q not found", s.opts.Pool.TemplateInstance)
	}
	ready, err := s.templateReady(ctx, template)
	if err != nil || !ready {
		return err
	}
	image, err := s.templateImage(ctx, template)
	if err != nil {
		return err
	}

	keyName := s.opts.Pool.KeyName
	if keyName == "" {
		keyName = template.KeyName
	}
	names := freeNames(snap.names(), s.opts.Pool.NamePrefix, total, params.MaxNumberOfWorkerInstances)
	used := snap.usedVCPUs
	var failures *multierror.Error

flavors:
	for _, flavor := range sortedKeys(toCreate) {
		f, ok := s.opts.Pool.Flavors[flavor]
		if !ok {
			failures = multierror.Append(failures, fmt.Errorf("flavor %q is not configured", flavor))
			continue
		}
		for i := 0; i < toCreate[flavor]; i++ {
			if len(names) == 0 {
				break flavors
			}
			if params.MaxNumberOfVcpus > 0 && used+f.VCPUs > params.MaxNumberOfVcpus {
				logger.Warn("vCPU budget reached, no more workers this tick",
					zap.Int("used_vcpus", used), zap.Int("max_vcpus", params.MaxNumberOfVcpus))
				break flavors
			}
			name := names[0]
			names = names[1:]
			metadata := map[string]string{flavorMetadata: flavor}
			if s.opts.APIInstanceIP != "" {
				metadata[apiInstanceMetadata] = s.opts.APIInstanceIP
			}
			_, err := s.compute.CreateServer(ctx, iaas.CreateServerRequest{
				Name:           name,
				ImageID:        image.ID,
				FlavorID:       f.FlavorID,
				Networks:       template.Networks,
				SecurityGroups: template.SecurityGroups,
				KeyName:        keyName,
				Metadata:       metadata,
			})
			if err != nil {
				failures = multierror.Append(failures, fmt.Errorf("creating %s: %w", name, err))
				continue
			}
			used += f.VCPUs
			s.metrics.Workers.WithLabelValues("created").Inc()
			logger.Info("Worker created", zap.String("worker", name), zap.String("flavor", flavor))
		}
	}
	if err := failures.ErrorOrNil(); err != nil {
		logger.Error("Some workers could not be created", zap.Error(err))
	}
	return nil
}

// templateReady reports whether the template instance finished its
// initialisation. A young template is waited for; an old one that never
// finished is an error.
func (s *Service) templateReady(ctx context.Context, template *iaas.Server) (bool, error) {
	output, err := s.compute.ConsoleOutput(ctx, template.ID)
	if err != nil {
		return false, csierr.External(csierr.SubtypeIaaSRequest, "reading the worker template console", err)
	}
	if strings.Contains(output, s.opts.Pool.InitFinishedMarker) {
		return true, nil
	}
	age := s.clock.Now().Sub(template.Created)
	if age <= s.opts.Pool.TemplateInitTimeout {
		logging.FromContext(ctx, s.logger).Info("Worker template still initialising, creation postponed",
			zap.String("template", template.Name), zap.Duration("age", age))
		return false, nil
	}
	return false, csierr.Externalf(csierr.SubtypeWorkerTemplateNotRun,
		"worker template %s not initialised after %s", template.Name, age.Round(time.Second))
}

// templateImage returns the newest active snapshot of the template, taking
// one when none is newer than the template itself. Older snapshots are
// deleted.
func (s *Service) templateImage(ctx context.Context, template *iaas.Server) (*iaas.Image, error) {
	logger := logging.FromContext(ctx, s.logger)
	images, err := s.compute.ListImages(ctx, s.opts.Pool.ImagePrefix)
	if err != nil {
		return nil, csierr.External(csierr.SubtypeIaaSRequest, "listing worker images", err)
	}

	var current *iaas.Image
	for i := range images {
		if images[i].Status == iaas.ImageActive && !images[i].CreatedAt.Before(template.Created) {
			current = &images[i]
			break
		}
	}
	if current == nil {
		name := s.opts.Pool.ImagePrefix + s.clock.Now().UTC().Format("20060102T150405")
		created, err := s.compute.CreateImage(ctx, template.ID, name)
		if err != nil {
			return nil, csierr.External(csierr.SubtypeIaaSRequest, "snapshotting the worker template", err)
		}
		logger.Info("Worker image requested", zap.String("image", name))
		if current, err = s.waitImage(ctx, created.ID); err != nil {
			return nil, err
		}
	}

	for _, img := range images {
		if img.ID == current.ID {
			continue
		}
		if err := s.compute.DeleteImage(ctx, img.ID); err != nil {
			logger.Warn("Could not delete old worker image", zap.String("image", img.Name), zap.Error(err))
		}
	}
	return current, nil
}

func (s *Service) waitImage(ctx context.Context, imageID string) (*iaas.Image, error) {
	var image *iaas.Image
	operation := func() error {
		img, err := s.compute.GetImage(ctx, imageID)
		if err != nil {
			if errors.Is(err, iaas.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		switch img.Status {
		case iaas.ImageActive:
			image = img
			return nil
		case iaas.ImageQueued, iaas.ImageSaving:
			return fmt.Errorf("image %s is %s", imageID, img.Status)
		default:
			return backoff.Permanent(fmt.Errorf("image %s ended %s", imageID, img.Status))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.ImagePollInterval
	policy.MaxElapsedTime = s.opts.ImageTimeout
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, csierr.External(csierr.SubtypeIaaSRequest, "waiting for the worker image", err)
	}
	return image, nil
}

// freeNames returns up to n unused names among prefix001 to prefix{limit}.
func freeNames(taken map[string]bool, prefix string, n, limit int) []string {
	var out []string
	for i := 1; i <= limit && len(out) < n; i++ {
		name := fmt.Sprintf("%s%03d", prefix, i)
		if !taken[name] {
			out = append(out, name)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
