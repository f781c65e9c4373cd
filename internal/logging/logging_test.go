package logging_test

import (
	"context"
	"testing"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetup_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger, err := logging.Setup("verbose")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestForJob_CarriesIdentity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	job := &models.FscRlieJob{L1CID: "L1C_T32TLR"}
	job.ID = 7
	job.ParentJobID = 70
	job.TileID = "32TLR"
	job.SetLastStatus(models.StatusQueued, time.Now())
	job.SetNomadID("fsc-rlie-job/dispatch-1")

	logging.ForJob(logger, job).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, int64(7), fields["job_id"])
	assert.Equal(t, int64(70), fields["parent_job_id"])
	assert.Equal(t, "fsc_rlie", fields["job_type"])
	assert.Equal(t, "32TLR", fields["tile_id"])
	assert.Equal(t, "queued", fields["status"])
	assert.Equal(t, "fsc-rlie-job/dispatch-1", fields["nomad_id"])
}

func TestTickID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx, id := logging.NewTick(context.Background())
	require.NotEmpty(t, id)
	assert.Equal(t, id, logging.GetTickID(ctx))

	logging.FromContext(ctx, zap.New(core)).Info("tick")
	assert.Equal(t, id, logs.All()[0].ContextMap()["tick_id"])
	assert.Empty(t, logging.GetTickID(context.Background()))
}
