// Package jobs holds the per-family behaviour of orchestrator jobs: how a
// job is configured, which processing mode it runs in, how it is prioritised
// and what it publishes.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"go.uber.org/zap"
)

// Deps are the collaborators job behaviour needs. Params is refreshed by the
// owning loop.
type Deps struct {
	Store  *store.Store
	Params *models.SystemParameters
	// Hub resolves source-agency publication dates.
	Hub catalogue.PublicationDater
	// HRSI searches the HR-S&I catalogue for GFSC inputs.
	HRSI catalogue.Searcher
	// SIPBucket prefixes L2A output paths.
	SIPBucket string
	// LogLevel is given to the jobs this package inserts.
	LogLevel string
	Clock    clock.Clock
	Logger   *zap.Logger
}

func (d *Deps) now() time.Time {
	if d.Clock == nil {
		return clock.C.Now().UTC()
	}
	return d.Clock.Now().UTC()
}

// Decision is the outcome of single-job configuration.
type Decision struct {
	Status  models.Status
	Message string
	// Subtype is set with an internal_error status.
	Subtype string
	// Inserted lists the jobs spawned while configuring, already stored.
	Inserted []models.Job
}

func stay(job models.Job, message string) Decision {
	status, _ := job.Base().LastStatus()
	return Decision{Status: status, Message: message}
}

// Configure decides the next status of job and fills the attributes that
// depend on it. The caller persists job and the transition.
func Configure(ctx context.Context, deps *Deps, job models.Job) (Decision, error) {
	switch j := job.(type) {
	case *models.FscRlieJob:
		return configureFscRlie(ctx, deps, j)
	case *models.SwsWdsJob:
		return configureSwsWds(ctx, deps, j)
	case *models.GfscJob:
		return configureGfsc(ctx, deps, j)
	case *models.RlieS1Job, *models.TestJob:
		return Decision{Status: models.StatusReady}, nil
	case *models.RlieS1S2Job:
		// Fusion jobs are complete when inserted.
		return Decision{Status: models.StatusReady}, nil
	default:
		return Decision{}, fmt.Errorf("no configuration for %s jobs", job.Type())
	}
}

// InputType keys the per-input system parameters of a job type.
func InputType(t models.JobType) string {
	switch t {
	case models.JobTypeFscRlie:
		return "L1C"
	case models.JobTypeSwsWds, models.JobTypeRlieS1:
		return "S1"
	case models.JobTypeGfsc:
		return "HRSI"
	case models.JobTypeRlieS1S2:
		return "RLIE"
	default:
		return string(t)
	}
}
