package jobs

import (
	"github.com/cosims/nrt-orchestrator/internal/models"
	"go.uber.org/zap"
)

// Publication is what gets emitted for one artefact of a job.
type Publication struct {
	Product  models.ProductOutput
	Payloads []models.PublicationPayload
}

// PublicationPayloads builds the notifications of every artefact job
// generated. Descriptions the worker left incomplete are logged and
// skipped without failing the job.
func PublicationPayloads(job models.Job, logger *zap.Logger) []Publication {
	var out []Publication
	for _, product := range job.Products() {
		if !product.Generated() {
			continue
		}
		infos, err := models.ParseProductInfos(product.Info.Value)
		if err != nil {
			logger.Warn("Unreadable product description",
				zap.String("product", product.Name),
				zap.Error(err))
			continue
		}
		pub := Publication{Product: product}
		for _, info := range infos {
			if missing := info.MissingFields(); len(missing) > 0 {
				logger.Warn("Product description is incomplete, not publishing it",
					zap.String("product", product.Name),
					zap.String("title", info.Title),
					zap.Strings("missing", missing))
				continue
			}
			pub.Payloads = append(pub.Payloads, models.NewPublicationPayload(info))
		}
		if len(pub.Payloads) > 0 {
			out = append(out, pub)
		}
	}
	return out
}

// ProductPathColumns lists the path columns of the artefacts of t.
func ProductPathColumns(t models.JobType) []string {
	job, err := models.NewJob(t)
	if err != nil {
		return nil
	}
	var columns []string
	for _, p := range job.Products() {
		columns = append(columns, p.PathColumn)
	}
	return columns
}
