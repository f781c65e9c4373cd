package jobs

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"go.uber.org/zap"
)

// GfscOpticalWait is how long an optically triggered GFSC job waits for
// radar inputs of the same day.
const GfscOpticalWait = 3 * time.Hour

var pendingGfscStatuses = []models.Status{
	models.StatusInitialized,
	models.StatusConfigured,
	models.StatusReady,
}

func configureGfsc(ctx context.Context, deps *Deps, job *models.GfscJob) (Decision, error) {
	trigger := job.TriggeringProductID
	if job.AggregationTimespan <= 0 {
		job.AggregationTimespan = deps.Params.GfscAggregationDays()
	}

	rivals, err := deps.Store.GfscJobsWithStatusProductDateTile(ctx, pendingGfscStatuses, job.ProductDate, job.TileID)
	if err != nil {
		return Decision{}, err
	}
	for _, rival := range rivals {
		if rival.ID == job.ID || !overrides(rival, job) {
			continue
		}
		rivalID := rival.ID
		job.OverridingJobID = &rivalID
		return Decision{
			Status:  models.StatusCancelled,
			Message: fmt.Sprintf("overridden by job %d", rival.ID),
		}, nil
	}

	if job.InputsEmpty() && models.HRSIProductType(trigger) != models.ProductTypeGFSC {
		if err := populateGfscInputs(ctx, deps, job); err != nil {
			return Decision{}, err
		}
		if job.InputsEmpty() {
			return stay(job, "no input product found"), nil
		}
	}

	if models.IsProvisional(trigger) && job.HasInput(models.ToggleModeFlag(trigger)) {
		return Decision{
			Status:  models.StatusCancelled,
			Message: fmt.Sprintf("nominal version of %s is already an input", trigger),
		}, nil
	}

	if !gfscReady(deps, job) {
		return Decision{Status: models.StatusConfigured, Message: "waiting for radar inputs"}, nil
	}

	prior, err := latestPriorGfsc(ctx, deps, job)
	if err != nil {
		return Decision{}, err
	}
	job.GfscIDList = nil
	if prior != "" {
		job.GfscIDList = models.DelimitedList{prior}
	}
	job.GfscID = job.OutputID()
	return Decision{Status: models.StatusReady}, nil
}

// overrides reports whether rival supersedes job: a newer curation wins,
// equal curations go to the higher id.
func overrides(rival, job *models.GfscJob) bool {
	if rival.CurationTimestamp.After(job.CurationTimestamp) {
		return true
	}
	return rival.CurationTimestamp.Equal(job.CurationTimestamp) && rival.ID > job.ID
}

func gfscReady(deps *Deps, job *models.GfscJob) bool {
	trigger := job.TriggeringProductID
	if models.IsRadarProduct(trigger) {
		return true
	}
	day := productDay(trigger)
	for _, id := range append(append(models.DelimitedList{}, job.WdsIDList...), job.SwsIDList...) {
		if day != "" && productDay(id) == day {
			return true
		}
	}
	if job.TriggeringProductPublicationDate != nil &&
		deps.now().Sub(*job.TriggeringProductPublicationDate) >= GfscOpticalWait {
		return true
	}
	return false
}

// productDay returns the YYYYMMDD measurement token of an HR-S&I id.
func productDay(id string) string {
	tokens := strings.Split(id, "_")
	if len(tokens) < 2 || len(tokens[1]) < 8 {
		return ""
	}
	return tokens[1][:8]
}

func populateGfscInputs(ctx context.Context, deps *Deps, job *models.GfscJob) error {
	days := job.AggregationTimespan
	start := job.ProductDate.AddDate(0, 0, -(days - 1))
	end := job.ProductDate.AddDate(0, 0, 1)
	if job.CurationTimestamp.Before(end) && !job.CurationTimestamp.IsZero() {
		end = job.CurationTimestamp
	}

	for _, productType := range []string{models.ProductTypeFSC, models.ProductTypeWDS, models.ProductTypeSWS} {
		products, err := searchHRSI(ctx, deps, productType, job.TileID, start, end)
		if err != nil {
			return err
		}
		var ids models.DelimitedList
		for _, p := range products {
			ids = append(ids, p.ID)
		}
		switch productType {
		case models.ProductTypeFSC:
			job.FscIDList = ids
		case models.ProductTypeWDS:
			job.WdsIDList = ids
		case models.ProductTypeSWS:
			job.SwsIDList = ids
		}
	}
	deps.Logger.Debug("Repopulated GFSC inputs",
		zap.Int64("job_id", job.ID),
		zap.Int("fsc", len(job.FscIDList)),
		zap.Int("wds", len(job.WdsIDList)),
		zap.Int("sws", len(job.SwsIDList)))
	return nil
}

func latestPriorGfsc(ctx context.Context, deps *Deps, job *models.GfscJob) (string, error) {
	start := job.ProductDate.AddDate(0, 0, -2*job.AggregationTimespan)
	products, err := searchHRSI(ctx, deps, models.ProductTypeGFSC, job.TileID, start, job.ProductDate)
	if err != nil {
		return "", err
	}
	var prior []catalogue.Product
	for _, p := range products {
		if p.MeasurementDate.Before(job.ProductDate) {
			prior = append(prior, p)
		}
	}
	if len(prior) == 0 {
		return "", nil
	}
	sort.SliceStable(prior, func(i, j int) bool {
		if !prior[i].MeasurementDate.Equal(prior[j].MeasurementDate) {
			return prior[i].MeasurementDate.After(prior[j].MeasurementDate)
		}
		return prior[i].PublicationDate.After(prior[j].PublicationDate)
	})
	return prior[0].ID, nil
}

// searchHRSI returns the products of a type over tile measured in
// [start, end].
func searchHRSI(ctx context.Context, deps *Deps, productType, tile string, start, end time.Time) ([]catalogue.Product, error) {
	if deps.HRSI == nil {
		return nil, nil
	}
	params := url.Values{}
	params.Set("productType", productType)
	params.Set("startDate", start.UTC().Format(time.RFC3339))
	params.Set("completionDate", end.UTC().Format(time.RFC3339))
	products, err := deps.HRSI.Search(ctx, catalogue.SearchRequest{
		Collection: catalogue.CollectionHRSI,
		Params:     params,
	})
	if err != nil {
		return nil, err
	}
	var out []catalogue.Product
	for _, p := range products {
		if p.TileID != tile {
			continue
		}
		if p.MeasurementDate.Before(start) || p.MeasurementDate.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
