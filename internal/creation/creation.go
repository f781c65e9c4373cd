// Package creation turns newly catalogued input products into jobs.
package creation

import (
	"context"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/geometry"
	"github.com/cosims/nrt-orchestrator/internal/jobs"
	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/metrics"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// cursorTolerance is subtracted from the creation cursor so products
// published on the same instant as the last insert are seen again.
const cursorTolerance = time.Second

// Sources are the catalogues jobs are created from.
type Sources struct {
	Creodias  catalogue.Searcher
	HRSI      catalogue.Searcher
	Manifests catalogue.ManifestReader
}

// Options shape what the loop creates.
type Options struct {
	// JobTypes restricts the loop to these types; empty means all.
	JobTypes []models.JobType
	AOIWKT   string
	// Tiles is the configured tile set; empty accepts every tile.
	Tiles             []string
	Grid              *geometry.Grid
	MaxRequestedPages int
	LogLevel          string
}

// ParamsSource returns the current system parameters.
type ParamsSource func(ctx context.Context) (*models.SystemParameters, error)

// Service is the creation loop. Its cursors are seeded from the store on
// first use.
type Service struct {
	store   *store.Store
	params  ParamsSource
	sources Sources
	opts    Options
	tiles   map[string]bool
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *zap.Logger

	lastInserted map[models.JobType]*time.Time
	dailyJobDate time.Time
}

// New creates the creation loop.
func New(st *store.Store, params ParamsSource, sources Sources, opts Options, m *metrics.Metrics, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.C
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	tiles := make(map[string]bool, len(opts.Tiles))
	for _, tile := range opts.Tiles {
		tiles[tile] = true
	}
	return &Service{
		store:        st,
		params:       params,
		sources:      sources,
		opts:         opts,
		tiles:        tiles,
		metrics:      m,
		clock:        clk,
		logger:       logger,
		lastInserted: make(map[models.JobType]*time.Time),
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) tileAllowed(tile string) bool {
	return len(s.tiles) == 0 || s.tiles[tile]
}

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
	// A failing type stops its own loop only; the errors are reported once
	// every type had its turn.
	var failed []error
	for _, t := range params.ActiveJobTypes(types) {
		if len(s.searchFor(t)) == 0 {
			continue
		}
		if err := s.createJobs(ctx, params, t); err != nil {
			failed = append(failed, fmt.Errorf("creating %s jobs: %w", t, err))
		}
		if t == models.JobTypeGfsc {
			if err := s.createDailyGfscJobs(ctx, params); err != nil {
				failed = append(failed, fmt.Errorf("creating daily gfsc jobs: %w", err))
			}
		}
	}
	return joinFailures(failed)
}

// joinFailures combines the failures of a tick, internal ones first so the
// runner classifies the tick by its most severe failure.
func joinFailures(failed []error) error {
	var internal, external []error
	for _, err := range failed {
		if csierr.IsExternal(err) {
			external = append(external, err)
		} else {
			internal = append(internal, err)
		}
	}
	return multierror.Append(nil, append(internal, external...)...).ErrorOrNil()
}

// publicationColumn is the store column the cursor of t is read from.
func publicationColumn(t models.JobType) string {
	switch t {
	case models.JobTypeFscRlie:
		return "l1c_dias_publication_date"
	case models.JobTypeSwsWds, models.JobTypeRlieS1:
		return "s1_dias_publication_date"
	case models.JobTypeGfsc:
		return "triggering_product_publication_date"
	default:
		return ""
	}
}

// cursor returns the catalogue publication date of the last inserted job
// of t, reading it from the store the first time.
func (s *Service) cursor(ctx context.Context, t models.JobType) (*time.Time, error) {
	if last, ok := s.lastInserted[t]; ok {
		return last, nil
	}
	var where *store.Query
	if t == models.JobTypeGfsc {
		// Daily jobs reuse the trigger of an older product.
		where = store.NewQuery().Eq("daily_job", false)
	}
	last, err := s.store.MaxTimeWhere(ctx, t.Table(), publicationColumn(t), where)
	if err != nil {
		return nil, err
	}
	s.lastInserted[t] = last
	return last, nil
}

func (s *Service) advance(t models.JobType, job models.Job) {
	published := job.CataloguePublicationDate()
	if published == nil {
		return
	}
	if last := s.lastInserted[t]; last == nil || published.After(*last) {
		s.lastInserted[t] = models.TimePtr(*published)
	}
}

// window returns the publication window searched for t and the page cap,
// which only applies without a cursor.
func (s *Service) window(ctx context.Context, params *models.SystemParameters, t models.JobType) (time.Time, time.Time, int, error) {
	end := s.now()
	last, err := s.cursor(ctx, t)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	if last != nil {
		return last.Add(-cursorTolerance), end, 0, nil
	}
	return end.Add(-params.BackwardSearchWindow(jobs.InputType(t))), end, s.opts.MaxRequestedPages, nil
}

func (s *Service) search(ctx context.Context, t models.JobType, start, end time.Time, maxPages int) ([]catalogue.Product, error) {
	var products []catalogue.Product
	for _, q := range s.searchFor(t) {
		if q.searcher == nil {
			continue
		}
		found, err := q.searcher.Search(ctx, catalogue.SearchRequest{
			Collection:      q.collection,
			Params:          q.params,
			PublishedAfter:  start,
			PublishedBefore: end,
			GeometryWKT:     s.opts.AOIWKT,
			MaxPages:        maxPages,
		})
		if err != nil {
			return nil, err
		}
		products = append(products, found...)
	}
	return products, nil
}

func (s *Service) createJobs(ctx context.Context, params *models.SystemParameters, t models.JobType) error {
	logger := logging.FromContext(ctx, s.logger).With(zap.String("job_type", string(t)))
	start, end, maxPages, err := s.window(ctx, params, t)
	if err != nil {
		return err
	}
	products, err := s.search(ctx, t, start, end, maxPages)
	if err != nil {
		return err
	}
	built, err := s.candidates(ctx, params, t, products)
	if err != nil {
		return err
	}

	var inTiles []models.Job
	for _, job := range built {
		if job.Base().TileID == "" && t != models.JobTypeRlieS1 {
			continue
		}
		if t == models.JobTypeRlieS1 || s.tileAllowed(job.Base().TileID) {
			inTiles = append(inTiles, job)
		}
	}

	var kept []candidate
	switch t {
	case models.JobTypeFscRlie:
		kept, err = s.dedupFscRlie(ctx, inTiles)
	case models.JobTypeSwsWds, models.JobTypeRlieS1:
		kept, err = s.dedupRadar(ctx, t, inTiles, start, end)
	case models.JobTypeGfsc:
		kept, err = s.dedupGfsc(ctx, inTiles)
	}
	if err != nil {
		return err
	}

	live, reprocessed := partition(params, t, kept)
	sortByPublication(live)
	logger.Info("Creating jobs",
		zap.Time("date_min", start),
		zap.Time("date_max", end),
		zap.Int("products", len(products)),
		zap.Int("live", len(live)),
		zap.Int("reprocessed", len(reprocessed)))

	var errs *multierror.Error
	for _, c := range live {
		if err := s.insert(ctx, c, false); err != nil {
			logger.Error("Insert failed, the cursor stays put", zap.String("input_id", c.job.InputID()), zap.Error(err))
			errs = multierror.Append(errs, err)
			break
		}
		s.advance(t, c.job)
	}
	for _, c := range reprocessed {
		err := s.insert(ctx, c, true)
		if err == nil {
			_, err = s.store.PostNewStatusChange(ctx, c.job, models.StatusCancelled, "",
				"input measured before the operational start date")
		}
		if err != nil {
			logger.Error("Reprocessed job not recorded", zap.String("input_id", c.job.InputID()), zap.Error(err))
			errs = multierror.Append(errs, err)
			break
		}
	}
	return errs.ErrorOrNil()
}

func partition(params *models.SystemParameters, t models.JobType, cs []candidate) (live, reprocessed []candidate) {
	start, ok := params.OperationalStart(jobs.InputType(t))
	for _, c := range cs {
		if ok && c.job.MeasurementDate().Before(start) {
			reprocessed = append(reprocessed, c)
			continue
		}
		live = append(live, c)
	}
	return live, reprocessed
}

func (s *Service) insert(ctx context.Context, c candidate, reprocessed bool) error {
	c.job.PreInsertionSetup(s.opts.LogLevel, reprocessed)
	if err := s.store.InsertJob(ctx, c.job); err != nil {
		return err
	}
	if _, err := s.store.PostNewStatusChange(ctx, c.job, models.StatusInitialized, "", ""); err != nil {
		logging.ForJob(logging.FromContext(ctx, s.logger), c.job).Warn("Job stored without status, its input will be taken again",
			zap.String("input_id", c.job.InputID()), zap.Error(err))
		return err
	}
	s.metrics.JobsCreated.WithLabelValues(string(c.job.Type())).Inc()
	for _, old := range c.supersedes {
		old.ReferenceJob = false
		if err := s.store.PatchJob(ctx, old, "reference_job"); err != nil {
			return err
		}
	}
	logging.ForJob(logging.FromContext(ctx, s.logger), c.job).Debug("Job created", zap.String("input_id", c.job.InputID()))
	return nil
}
