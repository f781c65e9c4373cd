package creation

import (
	"context"
	"net/url"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"go.uber.org/zap"
)

// Daily GFSC jobs are created between these UTC hours, the window wrapping
// midnight.
const (
	dailyWindowStartHour = 22
	dailyWindowEndHour   = 2
)

func inDailyWindow(now time.Time) bool {
	h := now.UTC().Hour()
	return h >= dailyWindowStartHour || h < dailyWindowEndHour
}

// createDailyGfscJobs creates, once per product date, a GFSC job for every
// tile that had no new input that day but a GFSC recent enough to carry
// the aggregation forward.
func (s *Service) createDailyGfscJobs(ctx context.Context, params *models.SystemParameters) error {
	now := s.now()
	if !inDailyWindow(now) || s.sources.HRSI == nil {
		return nil
	}
	productDate := truncateDay(now.Add(-dailyWindowEndHour * time.Hour))
	if !productDate.After(s.dailyJobDate) {
		return nil
	}
	if start := params.GfscDailyJobsCreationStartDate; start != nil && productDate.Before(truncateDay(*start)) {
		return nil
	}
	logger := logging.FromContext(ctx, s.logger)

	window := params.GfscAggregationDays()
	latest, err := s.latestGfscPerTile(ctx, productDate.AddDate(0, 0, -2*window), productDate.Add(24*time.Hour))
	if err != nil {
		return err
	}

	created := 0
	for tile, trigger := range latest {
		if !s.tileAllowed(tile) {
			continue
		}
		existing, err := s.store.FindJobs(ctx, models.JobTypeGfsc,
			store.NewQuery().Eq("tile_id", tile).Eq("product_date", productDate).Limit(1))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		job := &models.GfscJob{
			ProductDate:                      productDate,
			TriggeringProductID:              trigger.ID,
			TriggeringProductPublicationDate: models.TimePtr(trigger.PublicationDate),
			CurationTimestamp:                trigger.PublicationDate.UTC(),
			AggregationTimespan:              window,
			DailyJob:                         true,
		}
		job.TileID = tile
		if err := s.insert(ctx, candidate{job: job}, false); err != nil {
			return err
		}
		created++
	}

	s.dailyJobDate = productDate
	logger.Info("Daily GFSC jobs created", zap.Time("product_date", productDate), zap.Int("jobs", created))
	return nil
}

// latestGfscPerTile returns the most recent GFSC product of each tile
// measured in [start, end).
func (s *Service) latestGfscPerTile(ctx context.Context, start, end time.Time) (map[string]catalogue.Product, error) {
	params := url.Values{}
	params.Set("productType", models.ProductTypeGFSC)
	params.Set("startDate", start.UTC().Format(time.RFC3339))
	params.Set("completionDate", end.UTC().Format(time.RFC3339))
	products, err := s.sources.HRSI.Search(ctx, catalogue.SearchRequest{
		Collection:  catalogue.CollectionHRSI,
		Params:      params,
		GeometryWKT: s.opts.AOIWKT,
	})
	if err != nil {
		return nil, err
	}

	latest := make(map[string]catalogue.Product)
	for _, p := range products {
		if p.TileID == "" || p.MeasurementDate.Before(start) || !p.MeasurementDate.Before(end) {
			continue
		}
		current, ok := latest[p.TileID]
		if !ok || p.MeasurementDate.After(current.MeasurementDate) ||
			(p.MeasurementDate.Equal(current.MeasurementDate) && p.PublicationDate.After(current.PublicationDate)) {
			latest[p.TileID] = p
		}
	}
	return latest, nil
}
