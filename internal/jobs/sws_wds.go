package jobs

import (
	"context"
	"fmt"
	"sort"

	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
)

func configureSwsWds(ctx context.Context, deps *Deps, job *models.SwsWdsJob) (Decision, error) {
	switch {
	case job.AssemblyMasterJobID == models.AssemblyMasterSelf:
		return Decision{Status: models.StatusReady}, nil
	case job.AssemblyMasterJobID < 0:
		return Decision{Status: models.StatusConfigured}, nil
	}

	found, err := deps.Store.JobByID(ctx, models.JobTypeSwsWds, job.AssemblyMasterJobID)
	if err != nil {
		return Decision{}, err
	}
	if found == nil {
		return Decision{
			Status:  models.StatusInternalError,
			Subtype: csierr.SubtypeConfiguration,
			Message: fmt.Sprintf("assembly master job %d not found", job.AssemblyMasterJobID),
		}, nil
	}
	master := found.(*models.SwsWdsJob)
	status, ok := master.LastStatus()
	if !ok {
		return Decision{
			Status:  models.StatusInternalError,
			Subtype: csierr.SubtypeConfiguration,
			Message: fmt.Sprintf("assembly master job %d has an invalid status", master.ID),
		}, nil
	}
	if status < models.StatusProcessed {
		return Decision{Status: models.StatusConfigured}, nil
	}

	switch master.AssemblyStatus {
	case models.AssemblyStatusGenerated:
		job.AssemblyPath = master.AssemblyPath
		job.AssemblyStatus = models.AssemblyStatusGenerated
		return Decision{Status: models.StatusReady}, nil
	case models.AssemblyStatusEmpty:
		return Decision{Status: models.StatusCancelled, Message: "assembly is empty over the tile"}, nil
	case models.AssemblyStatusGenerationAborted, models.AssemblyStatusDeleted:
		return Decision{
			Status:  models.StatusCancelled,
			Message: fmt.Sprintf("assembly of master job %d is %s", master.ID, master.AssemblyStatus),
		}, nil
	default:
		return Decision{Status: models.StatusConfigured}, nil
	}
}

// ElectAssemblyMasters assigns one master per assembly among jobs and the
// stored jobs sharing their assembly ids. The lowest id whose assembly is
// still usable is master. It returns the jobs whose master changed, stored
// ones included.
func ElectAssemblyMasters(ctx context.Context, deps *Deps, jobs []*models.SwsWdsJob) ([]*models.SwsWdsJob, error) {
	groups := make(map[string]map[int64]*models.SwsWdsJob)
	var assemblyIDs []interface{}
	for _, job := range jobs {
		if job.AssemblyID == "" {
			continue
		}
		if _, ok := groups[job.AssemblyID]; !ok {
			groups[job.AssemblyID] = make(map[int64]*models.SwsWdsJob)
			assemblyIDs = append(assemblyIDs, job.AssemblyID)
		}
		groups[job.AssemblyID][job.ID] = job
	}
	if len(assemblyIDs) == 0 {
		return nil, nil
	}

	stored, err := deps.Store.FindJobs(ctx, models.JobTypeSwsWds, store.NewQuery().In("assembly_id", assemblyIDs...))
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		job := s.(*models.SwsWdsJob)
		if _, ok := groups[job.AssemblyID][job.ID]; !ok {
			groups[job.AssemblyID][job.ID] = job
		}
	}

	var changed []*models.SwsWdsJob
	for _, id := range assemblyIDs {
		members := make([]*models.SwsWdsJob, 0, len(groups[id.(string)]))
		for _, job := range groups[id.(string)] {
			members = append(members, job)
		}
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

		var master *models.SwsWdsJob
		for _, job := range members {
			if !cancelled(job) && job.AssemblyStatus.Value() < models.AssemblyStatusGenerationAborted.Value() {
				master = job
				break
			}
		}
		if master == nil {
			continue
		}
		for _, job := range members {
			if cancelled(job) {
				continue
			}
			want := master.ID
			if job == master {
				want = models.AssemblyMasterSelf
			}
			if job.AssemblyMasterJobID != want {
				job.AssemblyMasterJobID = want
				changed = append(changed, job)
			}
		}
	}
	return changed, nil
}

func cancelled(job models.Job) bool {
	status, _ := job.Base().LastStatus()
	return status == models.StatusCancelled
}
