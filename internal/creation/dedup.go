package creation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// candidate is a job to insert, with the stored jobs whose reference flag
// it takes over once inserted.
type candidate struct {
	job        models.Job
	supersedes []*models.FscRlieJob
}

type fingerprint struct {
	tile        string
	measurement int64
}

func fingerprintOf(job *models.FscRlieJob) fingerprint {
	return fingerprint{tile: job.TileID, measurement: job.MeasurementDateValue.UnixNano()}
}

// orphaned reports whether job was stored without its initialized status,
// which happens when the status write failed after the insert. No loop
// selects such a job, so it does not count as a duplicate.
func orphaned(job models.Job) bool {
	_, ok := job.Base().LastStatus()
	return !ok
}

// isRepublication reports whether fresh replaces stored: same fingerprint,
// a different input creation date and a publication close enough to the
// measurement.
func isRepublication(fresh, stored *models.FscRlieJob) bool {
	if fresh.CreationDate().Equal(stored.CreationDate()) {
		return false
	}
	published := fresh.CataloguePublicationDate()
	if published == nil {
		return false
	}
	return published.Sub(fresh.MeasurementDateValue) <= models.DuplicateInputValidity
}

// dedupFscRlie drops candidates whose (tile, measurement date) is already
// taken, except re-publications which supersede the stored job.
func (s *Service) dedupFscRlie(ctx context.Context, jobs []models.Job) ([]candidate, error) {
	batch := make(map[fingerprint]*models.FscRlieJob)
	var order []fingerprint
	for _, j := range jobs {
		job := j.(*models.FscRlieJob)
		key := fingerprintOf(job)
		current, ok := batch[key]
		if !ok {
			order = append(order, key)
			batch[key] = job
			continue
		}
		if job.CreationDate().After(current.CreationDate()) {
			batch[key] = job
		}
	}

	existing := make([][]models.Job, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.store.ParallelRequests())
	for i, key := range order {
		i, job := i, batch[key]
		g.Go(func() error {
			q := store.NewQuery().
				Eq("tile_id", job.TileID).
				Eq("measurement_date", job.MeasurementDateValue)
			found, err := s.store.FindJobs(gctx, models.JobTypeFscRlie, q)
			if err != nil {
				return fmt.Errorf("looking up jobs of %s: %w", job.L1CID, err)
			}
			existing[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var kept []candidate
	for i, key := range order {
		job := batch[key]
		c := candidate{job: job}
		duplicate := false
		for _, found := range existing[i] {
			stored := found.(*models.FscRlieJob)
			if !stored.ReferenceJob || orphaned(stored) {
				continue
			}
			if !isRepublication(job, stored) || !job.CreationDate().After(stored.CreationDate()) {
				duplicate = true
				break
			}
			c.supersedes = append(c.supersedes, stored)
		}
		if duplicate {
			continue
		}
		if len(c.supersedes) > 0 {
			s.logger.Info("Input product re-published",
				zap.String("l1c_id", job.L1CID),
				zap.String("tile_id", job.TileID),
				zap.Int("superseded", len(c.supersedes)))
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// radarKey identifies a radar job: one per product and tile for snow jobs,
// one per product for ice jobs.
func radarKey(job models.Job) string {
	if snow, ok := job.(*models.SwsWdsJob); ok {
		return snow.S1ID + "/" + snow.TileID
	}
	return job.InputID()
}

// dedupRadar drops candidates already stored within the search window.
// Radar products are matched by identifier.
func (s *Service) dedupRadar(ctx context.Context, t models.JobType, jobs []models.Job, start, end time.Time) ([]candidate, error) {
	stored, err := s.store.JobsWithinMeasurementDate(ctx, t, "s1_dias_publication_date", start, end)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(stored)+len(jobs))
	for _, job := range stored {
		if !orphaned(job) {
			seen[radarKey(job)] = true
		}
	}
	var kept []candidate
	for _, job := range jobs {
		key := radarKey(job)
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, candidate{job: job})
	}
	return kept, nil
}

type gfscKey struct {
	tile string
	day  int64
}

// dedupGfsc keeps one candidate per (tile, product date), radar triggers
// first, then the latest publication. Triggers already stored are dropped.
func (s *Service) dedupGfsc(ctx context.Context, jobs []models.Job) ([]candidate, error) {
	best := make(map[gfscKey]*models.GfscJob)
	var order []gfscKey
	for _, j := range jobs {
		job := j.(*models.GfscJob)
		key := gfscKey{tile: job.TileID, day: job.ProductDate.Unix()}
		current, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = job
			continue
		}
		if preferGfscTrigger(job, current) {
			best[key] = job
		}
	}
	if len(order) == 0 {
		return nil, nil
	}

	triggers := make([]interface{}, 0, len(order))
	for _, key := range order {
		triggers = append(triggers, best[key].TriggeringProductID)
	}
	stored, err := s.store.FindJobs(ctx, models.JobTypeGfsc,
		store.NewQuery().In("triggering_product_id", triggers...).Select("id", "fk_parent_job_id", "triggering_product_id"))
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(stored))
	for _, job := range stored {
		if !orphaned(job) {
			known[job.InputID()] = true
		}
	}

	var kept []candidate
	for _, key := range order {
		job := best[key]
		if known[job.TriggeringProductID] {
			continue
		}
		kept = append(kept, candidate{job: job})
	}
	return kept, nil
}

func preferGfscTrigger(a, b *models.GfscJob) bool {
	aRadar, bRadar := models.IsRadarProduct(a.TriggeringProductID), models.IsRadarProduct(b.TriggeringProductID)
	if aRadar != bRadar {
		return aRadar
	}
	return a.CurationTimestamp.After(b.CurationTimestamp)
}

// sortByPublication orders candidates by catalogue publication date, the
// order the cursor advances in.
func sortByPublication(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].job.CataloguePublicationDate(), cs[j].job.CataloguePublicationDate()
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
}
