package jobs

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/models"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

var acceptedIceStatuses = map[models.Status]bool{
	models.StatusProcessed:        true,
	models.StatusStartPublication: true,
	models.StatusPublished:        true,
	models.StatusDone:             true,
}

func iceAccepted(job models.Job) bool {
	status, ok := job.Base().LastStatus()
	return ok && acceptedIceStatuses[status]
}

// icePending reports whether a radar-ice job may still produce a product.
func icePending(job models.Job) bool {
	status, ok := job.Base().LastStatus()
	if !ok {
		return true
	}
	return !acceptedIceStatuses[status] && status != models.StatusCancelled && status != models.StatusInternalError
}

// PairFusion creates the radar-optical fusion jobs of the days in the search
// window, walking backwards from yesterday, for the given tiles. It returns
// the inserted jobs, already initialized.
func PairFusion(ctx context.Context, deps *Deps, tiles []string) ([]models.Job, error) {
	now := deps.now()
	minDays, maxDays := deps.Params.FusionSearchWindow()
	today := now.Truncate(day)

	var inserted []models.Job
	for offset := minDays; offset <= maxDays; offset++ {
		start := today.AddDate(0, 0, -offset)
		created, err := pairDay(ctx, deps, tiles, start, now)
		inserted = append(inserted, created...)
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func pairDay(ctx context.Context, deps *Deps, tiles []string, start, now time.Time) ([]models.Job, error) {
	end := start.Add(day)
	logger := deps.Logger.With(zap.String("day", start.Format("2006-01-02")))

	radarJobs, err := deps.Store.JobsWithinMeasurementDate(ctx, models.JobTypeRlieS1, "measurement_date", start, end)
	if err != nil {
		return nil, err
	}
	var radar []*models.RlieS1Job
	pending := 0
	for _, job := range radarJobs {
		j := job.(*models.RlieS1Job)
		switch {
		case iceAccepted(j) && j.RlieS1Path != "":
			radar = append(radar, j)
		case icePending(j):
			pending++
		}
	}
	if pending > 0 && now.Before(end.Add(deps.Params.FusionMaxWait())) {
		logger.Debug("Waiting for radar ice jobs", zap.Int("pending", pending))
		return nil, nil
	}

	opticalJobs, err := deps.Store.JobsWithinMeasurementDate(ctx, models.JobTypeFscRlie, "measurement_date", start, end)
	if err != nil {
		return nil, err
	}
	var optical []*models.FscRlieJob
	for _, job := range opticalJobs {
		j := job.(*models.FscRlieJob)
		if iceAccepted(j) && j.RliePath != "" {
			optical = append(optical, j)
		}
	}

	existing, err := deps.Store.JobsWithinMeasurementDate(ctx, models.JobTypeRlieS1S2, "measurement_date", start, end)
	if err != nil {
		return nil, err
	}
	covered := make(map[string]bool, len(existing))
	for _, job := range existing {
		covered[job.Base().TileID] = true
	}

	var inserted []models.Job
	for _, tile := range tiles {
		if covered[tile] {
			continue
		}
		job := fuseTile(tile, start, radar, optical)
		if job == nil {
			continue
		}
		if err := InsertInitialized(ctx, deps, job, false); err != nil {
			return inserted, err
		}
		inserted = append(inserted, job)
	}
	if len(inserted) > 0 {
		logger.Info("Created fusion jobs", zap.Int("jobs", len(inserted)))
	}
	return inserted, nil
}

// fuseTile builds the fusion job of tile from the day's products, nil when
// neither sensor covers the tile.
func fuseTile(tile string, measurementDay time.Time, radar []*models.RlieS1Job, optical []*models.FscRlieJob) *models.RlieS1S2Job {
	var s2 []*models.FscRlieJob
	for _, j := range optical {
		if j.TileID == tile {
			s2 = append(s2, j)
		}
	}
	bySatellite := make(map[string][]*models.RlieS1Job)
	var satellites []string
	for _, j := range radar {
		if !j.TileList.Contains(tile) {
			continue
		}
		sat := j.Satellite()
		if _, ok := bySatellite[sat]; !ok {
			satellites = append(satellites, sat)
		}
		bySatellite[sat] = append(bySatellite[sat], j)
	}
	if len(s2) == 0 && len(satellites) == 0 {
		return nil
	}
	sort.Strings(satellites)

	var satellite string
	if len(s2) > 0 {
		var times []time.Time
		for _, j := range s2 {
			times = append(times, j.MeasurementDateValue)
		}
		opticalMean := meanTime(times)
		best := time.Duration(-1)
		for _, sat := range satellites {
			var satTimes []time.Time
			for _, j := range bySatellite[sat] {
				satTimes = append(satTimes, j.MeasurementDateValue)
			}
			gap := absDuration(meanTime(satTimes).Sub(opticalMean))
			if best < 0 || gap < best {
				best, satellite = gap, sat
			}
		}
	} else {
		for _, sat := range satellites {
			if len(bySatellite[sat]) > len(bySatellite[satellite]) {
				satellite = sat
			}
		}
	}

	job := &models.RlieS1S2Job{MeasurementDay: measurementDay.UTC(), Satellite: satellite}
	job.TileID = tile
	for _, j := range bySatellite[satellite] {
		job.S1ProductIDList = append(job.S1ProductIDList, strconv.FormatInt(j.ID, 10))
		job.S1ProductPathList = append(job.S1ProductPathList, j.RlieS1Path)
		job.S1PublicationDate = latest(job.S1PublicationDate, j.RlieS1PublicationDate)
	}
	for _, j := range s2 {
		job.S2ProductIDList = append(job.S2ProductIDList, strconv.FormatInt(j.ID, 10))
		job.S2ProductPathList = append(job.S2ProductPathList, j.RliePath)
		job.S2PublicationDate = latest(job.S2PublicationDate, j.RliePublicationDate)
	}
	return job
}

func meanTime(times []time.Time) time.Time {
	if len(times) == 0 {
		return time.Time{}
	}
	var sum int64
	for _, t := range times {
		sum += t.Unix()
	}
	return time.Unix(sum/int64(len(times)), 0).UTC()
}

func latest(current, candidate *time.Time) *time.Time {
	if candidate == nil {
		return current
	}
	if current == nil || candidate.After(*current) {
		return models.TimePtr(*candidate)
	}
	return current
}
