package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	"github.com/cosims/nrt-orchestrator/internal/jobs"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	dates map[string]time.Time
	calls [][]string
}

func (h *fakeHub) PublicationDates(ctx context.Context, ids []string) catalogue.HubResult {
	h.calls = append(h.calls, ids)
	result := catalogue.HubResult{Dates: map[string]time.Time{}, Failed: map[string]error{}}
	for _, id := range ids {
		if d, ok := h.dates[id]; ok {
			result.Dates[id] = d
		} else {
			result.Failed[id] = catalogue.ErrNotInHub
		}
	}
	return result
}

func TestAssignPriority(t *testing.T) {
	measured := day(2021, 1, 5)
	tests := []struct {
		name       string
		nrt        bool
		hub        *time.Time
		catalogued time.Time
		want       models.Priority
	}{
		{"nrt", true, models.TimePtr(measured.Add(2 * time.Hour)), measured.Add(3 * time.Hour), models.PriorityNRT},
		{"late at the hub", true, models.TimePtr(measured.Add(25 * time.Hour)), measured.Add(26 * time.Hour), models.PriorityDelayed},
		{"late in the catalogue", true, models.TimePtr(measured.Add(2 * time.Hour)), measured.Add(6 * time.Hour), models.PriorityDelayed},
		{"no hub date", true, nil, measured.Add(3 * time.Hour), models.PriorityDelayed},
		{"reprocessed", false, models.TimePtr(measured.Add(2 * time.Hour)), measured.Add(3 * time.Hour), models.PriorityReprocessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := l1cJob("L1C_A", measured)
			job.NRT = tt.nrt
			job.L1CEsaPublicationDate = tt.hub
			job.L1CDiasPublicationDate = models.TimePtr(tt.catalogued)
			assert.Equal(t, tt.want, jobs.AssignPriority(job))
		})
	}
}

func TestAssignPriorityKeepsUndatedFamilies(t *testing.T) {
	job := &models.GfscJob{}
	job.NRT = true
	job.Parent.Priority = models.PriorityDelayed
	assert.Equal(t, models.PriorityDelayed, jobs.AssignPriority(job))
}

func TestEnrichHubDates(t *testing.T) {
	deps, _ := newDeps(t, day(2021, 1, 6))
	hubDate := day(2021, 1, 5).Add(time.Hour)
	hub := &fakeHub{dates: map[string]time.Time{"L1C_A": hubDate}}
	deps.Hub = hub

	known := l1cJob("L1C_A.SAFE", day(2021, 1, 5))
	unknown := l1cJob("L1C_B", day(2021, 1, 5))
	alreadyDated := l1cJob("L1C_C", day(2021, 1, 5))
	alreadyDated.L1CEsaPublicationDate = models.TimePtr(hubDate)

	dated, failed := jobs.EnrichHubDates(context.Background(), deps, []models.Job{known, unknown, alreadyDated})
	assert.Equal(t, []models.Job{known}, dated)
	assert.Equal(t, []models.Job{unknown}, failed)
	require.NotNil(t, known.L1CEsaPublicationDate)
	assert.True(t, hubDate.Equal(*known.L1CEsaPublicationDate))
	require.Len(t, hub.calls, 1)
	assert.ElementsMatch(t, []string{"L1C_A", "L1C_B"}, hub.calls[0])
}

func TestBackfillHubDates(t *testing.T) {
	ctx := context.Background()
	deps, _ := newDeps(t, day(2021, 1, 6))
	deps.Hub = &fakeHub{dates: map[string]time.Time{
		"L1C_A": day(2021, 1, 5),
		"L1C_B": day(2021, 1, 5),
	}}

	done := l1cJob("L1C_A", day(2021, 1, 5))
	insert(t, deps, done, models.StatusDone)
	running := l1cJob("L1C_B", day(2021, 1, 5))
	insert(t, deps, running, models.StatusProcessing)

	patched, next, err := jobs.BackfillHubDates(ctx, deps, models.JobTypeFscRlie, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, patched)
	assert.Zero(t, next)

	stored, err := deps.Store.JobByID(ctx, models.JobTypeFscRlie, done.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.(*models.FscRlieJob).L1CEsaPublicationDate)
	status, _ := stored.Base().LastStatus()
	assert.Equal(t, models.StatusDone, status)

	stored, err = deps.Store.JobByID(ctx, models.JobTypeFscRlie, running.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.(*models.FscRlieJob).L1CEsaPublicationDate)

	patched, _, err = jobs.BackfillHubDates(ctx, deps, models.JobTypeGfsc, 0, 100)
	require.NoError(t, err)
	assert.Zero(t, patched)
}

func TestBackfillPagesPastUndatableRows(t *testing.T) {
	ctx := context.Background()
	deps, _ := newDeps(t, day(2021, 1, 6))
	deps.Hub = &fakeHub{dates: map[string]time.Time{"L1C_D": day(2021, 1, 5)}}

	for _, id := range []string{"L1C_A", "L1C_B", "L1C_C"} {
		insert(t, deps, l1cJob(id, day(2021, 1, 5)), models.StatusDone)
	}
	datable := l1cJob("L1C_D", day(2021, 1, 5))
	insert(t, deps, datable, models.StatusDone)

	var after int64
	total := 0
	for tick := 0; tick < 2; tick++ {
		patched, next, err := jobs.BackfillHubDates(ctx, deps, models.JobTypeFscRlie, after, 3)
		require.NoError(t, err)
		total += patched
		after = next
	}
	assert.Equal(t, 1, total)
	assert.Zero(t, after, "the pass wraps around once the rows are exhausted")

	stored, err := deps.Store.JobByID(ctx, models.JobTypeFscRlie, datable.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.(*models.FscRlieJob).L1CEsaPublicationDate)
}
