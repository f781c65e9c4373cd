package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"go.uber.org/zap"
)

// ErrWaitBackwardInit is returned by SelectMode when a tile without history
// should start its chain with a backward job.
var ErrWaitBackwardInit = errors.New("Waiting to perform backward initialization")

// L2APathOut returns where the L2A of job is written.
func L2APathOut(bucket string, job *models.FscRlieJob) string {
	return fmt.Sprintf("%s/%s/L2A/reference/%s/%s", bucket, job.TileID, job.L1CID, job.Mode)
}

func configureFscRlie(ctx context.Context, deps *Deps, job *models.FscRlieJob) (Decision, error) {
	if job.Parent.Name == "" {
		job.Parent.Name = job.DefaultName()
	}
	backward := job.ReprocessingContext == models.ReprocessingContextBackward

	prev, err := deps.Store.LastJobWithUsableL2A(ctx, job.TileID, job.MeasurementDateValue, job.CreationDate(),
		job.L1CID, false, backward)
	if err != nil {
		return Decision{}, err
	}

	decision := dependencyGate(prev, backward)
	if decision.Status != models.StatusReady {
		return decision, nil
	}

	inserted, err := SelectMode(ctx, deps, job, prev)
	if errors.Is(err, ErrWaitBackwardInit) {
		return Decision{Status: models.StatusConfigured, Message: err.Error()}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	job.L2APathOut = L2APathOut(deps.SIPBucket, job)
	return Decision{Status: models.StatusReady, Inserted: inserted}, nil
}

// dependencyGate decides whether job may run given the previous job of its
// tile.
func dependencyGate(prev *models.FscRlieJob, backward bool) Decision {
	if prev == nil {
		return Decision{Status: models.StatusReady}
	}
	status, ok := prev.LastStatus()
	if !ok {
		return Decision{
			Status:  models.StatusInternalError,
			Subtype: csierr.SubtypeConfiguration,
			Message: fmt.Sprintf("previous job %d has an invalid status", prev.ID),
		}
	}
	if backward && status.IsError() {
		return Decision{Status: models.StatusConfigured}
	}
	if status < models.StatusProcessed {
		return Decision{Status: models.StatusConfigured}
	}
	if prev.L2AStatus == models.L2AStatusGenerated {
		return Decision{Status: models.StatusReady}
	}
	return Decision{Status: models.StatusConfigured}
}

// SelectMode picks the processing mode of a job cleared to run. prev is the
// latest earlier job of the tile with a usable L2A, nil when there is none.
// It returns ErrWaitBackwardInit when the job must wait for a backward
// initialization, and the jobs of a backward campaign spawned on the way.
//
// A nominal job inherits the L2A counter of prev and adds prev's own L2A
// when it was generated. The counter of prev was fixed when prev was
// configured, before its L2A existed, so the job counts the L2A it consumes.
func SelectMode(ctx context.Context, deps *Deps, job *models.FscRlieJob, prev *models.FscRlieJob) ([]models.Job, error) {
	params := deps.Params
	threshold := params.ConsecutiveJobsThreshold()

	switch {
	case job.ReprocessingContext == models.ReprocessingContextBackward &&
		job.Mode == models.ModeBackward && len(job.L1CIDList) > 0:
		// Spawned backward jobs carry their chain already.
		return nil, nil

	case prev != nil && absDuration(prev.MeasurementDateValue.Sub(job.MeasurementDateValue)) <= threshold &&
		prev.L2AStatus != models.L2AStatusDeleted:
		job.Mode = models.ModeNominal
		job.L2APathIn = prev.L2APathOut
		prevID := prev.ID
		job.JobIDForLastValidL2A = &prevID
		job.JobsRunSinceLastInit = prev.JobsRunSinceLastInit + 1
		job.L2AProducedSinceLastInit = prev.L2AProducedSinceLastInit
		if prev.L2AStatus == models.L2AStatusGenerated {
			job.L2AProducedSinceLastInit++
		}

	default:
		chain, err := degradedChain(ctx, deps, job)
		if err != nil {
			return nil, err
		}
		switch {
		case chain != nil:
			job.Mode = models.ModeBackward
			job.L1CIDList, job.L1CPathList = chainInputs(chain)
			job.JobsRunSinceLastInit = len(chain)
			job.L2AProducedSinceLastInit = len(chain)
			return nil, nil
		case prev == nil && params.ActivateBackwardReprocessing:
			return nil, ErrWaitBackwardInit
		default:
			job.Mode = models.ModeInit
			job.JobsRunSinceLastInit = 0
			job.L2AProducedSinceLastInit = 0
			job.BackwardReprocessingRun = false
			job.JobIDForLastValidL2A = nil
			job.L2APathIn = ""
		}
	}

	if params.ActivateBackwardReprocessing && job.L2AProducedSinceLastInit >= params.BackwardRequiredJobNumber() {
		return SpawnBackward(ctx, deps, job.TileID, job.MeasurementDateValue)
	}
	return nil, nil
}

// degradedChain returns the follow-up jobs of anchor that a backward job
// would reprocess, or nil when they do not form a full chain.
func degradedChain(ctx context.Context, deps *Deps, anchor *models.FscRlieJob) ([]*models.FscRlieJob, error) {
	want := deps.Params.BackwardFollowUpCount()
	following, err := deps.Store.FscRlieJobsFollowingMeasurement(ctx, anchor.TileID,
		anchor.MeasurementDateValue, anchor.CreationDate(), want)
	if err != nil {
		return nil, err
	}
	if len(following) < want {
		return nil, nil
	}
	threshold := deps.Params.ConsecutiveJobsThreshold()
	previous := anchor.MeasurementDateValue
	for _, f := range following {
		if !f.Degraded() {
			return nil, nil
		}
		if f.MeasurementDateValue.Sub(previous) > threshold {
			return nil, nil
		}
		previous = f.MeasurementDateValue
	}
	return following, nil
}

func chainInputs(chain []*models.FscRlieJob) (ids, paths models.DelimitedList) {
	for _, f := range chain {
		ids = append(ids, f.L1CID)
		paths = append(paths, f.L1CPath)
	}
	return ids, paths
}

// SpawnBackward starts a backward reprocessing campaign for the last init
// job of tile measured up to highDate. It inserts one backward job and one
// nominal reprocessing job per degraded follow-up, and returns them.
func SpawnBackward(ctx context.Context, deps *Deps, tile string, highDate time.Time) ([]models.Job, error) {
	logger := deps.Logger.With(zap.String("tile_id", tile))

	initJob, err := deps.Store.FscRlieJobLastInitNoBackward(ctx, tile, highDate)
	if err != nil {
		return nil, err
	}
	if initJob == nil || initJob.L2AStatus != models.L2AStatusGenerated || initJob.BackwardReprocessingRun {
		return nil, nil
	}
	chain, err := degradedChain(ctx, deps, initJob)
	if err != nil || chain == nil {
		return nil, err
	}

	backwardJob := reprocessCopy(initJob)
	backwardJob.Mode = models.ModeBackward
	backwardJob.L1CIDList, backwardJob.L1CPathList = chainInputs(chain)
	backwardJob.JobsRunSinceLastInit = len(chain)
	backwardJob.L2AProducedSinceLastInit = len(chain)

	var inserted []models.Job
	if err := InsertInitialized(ctx, deps, backwardJob, true); err != nil {
		return inserted, err
	}
	inserted = append(inserted, backwardJob)

	initJob.BackwardReprocessingRun = true
	initJob.ReferenceJob = false
	if err := deps.Store.PatchJob(ctx, initJob, "backward_reprocessing_run", "reference_job"); err != nil {
		return inserted, err
	}

	for _, degraded := range chain {
		nominal := reprocessCopy(degraded)
		nominal.Mode = models.ModeNominal
		if err := InsertInitialized(ctx, deps, nominal, true); err != nil {
			return inserted, err
		}
		inserted = append(inserted, nominal)

		degraded.BackwardReprocessingRun = true
		if err := deps.Store.PatchJob(ctx, degraded, "backward_reprocessing_run"); err != nil {
			return inserted, err
		}
	}

	logger.Info("Spawned backward reprocessing",
		zap.Int64("init_job_id", initJob.ID),
		zap.Int("jobs", len(inserted)))
	return inserted, nil
}

// reprocessCopy returns a fresh backward-context job on the input of src.
func reprocessCopy(src *models.FscRlieJob) *models.FscRlieJob {
	job := &models.FscRlieJob{
		L1CID:                  src.L1CID,
		L1CPath:                src.L1CPath,
		L1CCloudCover:          src.L1CCloudCover,
		MeasurementDateValue:   src.MeasurementDateValue,
		L1CEsaCreationDate:     src.L1CEsaCreationDate,
		L1CEsaPublicationDate:  src.L1CEsaPublicationDate,
		L1CDiasPublicationDate: src.L1CDiasPublicationDate,
		ReprocessingContext:    models.ReprocessingContextBackward,
		L2AStatus:              models.L2AStatusPending,
	}
	job.TileID = src.TileID
	return job
}

// InsertInitialized stores a fresh job and records its initialized status.
func InsertInitialized(ctx context.Context, deps *Deps, job models.Job, reprocessed bool) error {
	job.PreInsertionSetup(deps.LogLevel, reprocessed)
	if err := deps.Store.InsertJob(ctx, job); err != nil {
		return err
	}
	_, err := deps.Store.PostNewStatusChange(ctx, job, models.StatusInitialized, "", "")
	return err
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
