package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/models"
	"go.uber.org/zap"
)

// Memory is an in-process store backend. It keeps rows as decoded JSON maps
// and evaluates stored procedures in Go. It backs the service tests and
// local dry runs.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]map[string]interface{}
	nextID map[string]int64
}

// NewMemory creates an empty backend.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string][]map[string]interface{}),
		nextID: make(map[string]int64),
	}
}

// NewMemoryStore returns a Store over a fresh Memory backend.
func NewMemoryStore(opts Options, logger *zap.Logger) (*Store, *Memory) {
	m := NewMemory()
	return New(m, m, opts, logger), m
}

// Insert implements TableBackend.
func (m *Memory) Insert(ctx context.Context, table string, row map[string]interface{}) (map[string]interface{}, error) {
	normalized, err := normalize(row)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID[table]++
	normalized["id"] = json.Number(strconv.FormatInt(m.nextID[table], 10))
	m.tables[table] = append(m.tables[table], normalized)
	return copyRow(normalized), nil
}

// Update implements TableBackend.
func (m *Memory) Update(ctx context.Context, table string, q *Query, values map[string]interface{}) error {
	normalized, err := normalize(values)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.tables[table] {
		if !q.Match(row) {
			continue
		}
		for k, v := range normalized {
			row[k] = v
		}
	}
	return nil
}

// Select implements TableBackend.
func (m *Memory) Select(ctx context.Context, table string, q *Query) ([]map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRows(q.Apply(m.tables[table])), nil
}

// Rows returns a copy of every row of table.
func (m *Memory) Rows(table string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRows(m.tables[table])
}

// Call implements ProcedureBackend by evaluating each procedure over the
// stored rows.
func (m *Memory) Call(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, error) {
	p, err := normalize(params)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case ProcJobsWithLastStatus:
		return m.jobsWithLastStatus(p)
	case ProcLastJobStatus:
		return m.statusRows(p, true)
	case ProcJobStatusHistory:
		return m.statusRows(p, false)
	case ProcJobsWithinMeasurementDate:
		return m.jobsWithinDate(p)
	case ProcLastJobWithUsableL2A:
		return m.lastJobWithUsableL2A(p)
	case ProcLastJobWithUsableS1Assembly:
		return m.lastJobWithUsableS1Assembly(p)
	case ProcFscRlieJobsFollowingMeasurement:
		return m.fscRlieJobsFollowing(p)
	case ProcFscRlieJobLastInitNoBackward:
		return m.fscRlieLastInit(p)
	case ProcGfscJobsWithStatusProductDateTile:
		return m.gfscJobsWithStatus(p)
	case ProcLastJobWithFscPublicationLatest:
		return m.lastJobWithLatestPublication(p)
	default:
		return nil, fmt.Errorf("%w: unknown procedure %s", ErrStoreRequest, name)
	}
}

type memJob struct {
	row    map[string]interface{}
	job    models.Job
	status models.Status
}

// jobs decodes every row of type t and joins the parent status.
func (m *Memory) jobs(t models.JobType) ([]memJob, error) {
	parents := make(map[int64]models.ParentJob)
	for _, row := range m.tables[models.TableParentJobs] {
		var parent models.ParentJob
		if err := models.DecodeRow(row, &parent); err != nil {
			return nil, err
		}
		parents[parent.ID] = parent
	}
	var out []memJob
	for _, row := range m.tables[t.Table()] {
		job, err := models.NewJob(t)
		if err != nil {
			return nil, err
		}
		if err := models.DecodeRow(row, job); err != nil {
			return nil, err
		}
		base := job.Base()
		base.Parent = parents[base.ParentJobID]
		status, _ := base.LastStatus()
		out = append(out, memJob{row: row, job: job, status: status})
	}
	return out, nil
}

func (m *Memory) jobsWithLastStatus(p map[string]interface{}) ([]map[string]interface{}, error) {
	t, err := tableJobType(paramString(p, "jobs_table"))
	if err != nil {
		return nil, err
	}
	wanted := paramStatuses(p, "status")
	all, err := m.jobs(t)
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	for _, j := range all {
		if wanted[j.status] {
			rows = append(rows, copyRow(j.row))
		}
	}
	return rows, nil
}

func (m *Memory) statusRows(p map[string]interface{}, lastOnly bool) ([]map[string]interface{}, error) {
	ids := make(map[string]bool)
	for _, id := range paramList(p, "parent_ids") {
		ids[id] = true
	}
	wanted := paramStatuses(p, "status")
	var rows []map[string]interface{}
	last := make(map[string]map[string]interface{})
	var order []string
	for _, row := range m.tables[models.TableJobStatusChanges] {
		jobID := FormatValue(row["job_id"])
		if !ids[jobID] {
			continue
		}
		if !lastOnly {
			rows = append(rows, copyRow(row))
			continue
		}
		if len(wanted) > 0 {
			var st models.Status
			if err := st.UnmarshalText([]byte(FormatValue(row["job_status"]))); err != nil || !wanted[st] {
				continue
			}
		}
		if _, ok := last[jobID]; !ok {
			order = append(order, jobID)
		}
		last[jobID] = row
	}
	for _, jobID := range order {
		rows = append(rows, copyRow(last[jobID]))
	}
	return rows, nil
}

func (m *Memory) jobsWithinDate(p map[string]interface{}) ([]map[string]interface{}, error) {
	t, err := tableJobType(paramString(p, "table"))
	if err != nil {
		return nil, err
	}
	attribute := paramString(p, "attribute")
	start, end := paramTime(p, "start"), paramTime(p, "end")
	var rows []map[string]interface{}
	for _, row := range m.tables[t.Table()] {
		value, err := time.Parse(time.RFC3339Nano, FormatValue(row[attribute]))
		if err != nil {
			continue
		}
		if !value.Before(start) && !value.After(end) {
			rows = append(rows, copyRow(row))
		}
	}
	return rows, nil
}

func (m *Memory) fscRlie() ([]memJob, error) {
	return m.jobs(models.JobTypeFscRlie)
}

func (m *Memory) lastJobWithUsableL2A(p map[string]interface{}) ([]map[string]interface{}, error) {
	all, err := m.fscRlie()
	if err != nil {
		return nil, err
	}
	tile := paramString(p, "tile_id")
	high := paramTime(p, "high_measurement_date")
	highCreation := paramTime(p, "high_creation_date")
	current := paramString(p, "current_input_id")
	allowCodated := paramBool(p, "allow_codated_jobs")
	backward := paramBool(p, "backward_triggered_job")

	var candidates []memJob
	for _, j := range all {
		job := j.job.(*models.FscRlieJob)
		if job.TileID != tile || job.L1CID == current || !job.ReferenceJob || j.status == models.StatusCancelled {
			continue
		}
		if job.L2AStatus == models.L2AStatusGenerationAborted {
			continue
		}
		if backward != (job.ReprocessingContext == models.ReprocessingContextBackward) {
			continue
		}
		measurement := job.MeasurementDateValue
		codated := measurement.Equal(high) && allowCodated && !job.CreationDate().After(highCreation)
		if measurement.Before(high) || codated {
			candidates = append(candidates, j)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		ja, jb := candidates[a].job.(*models.FscRlieJob), candidates[b].job.(*models.FscRlieJob)
		if !ja.MeasurementDateValue.Equal(jb.MeasurementDateValue) {
			return ja.MeasurementDateValue.After(jb.MeasurementDateValue)
		}
		return ja.ID > jb.ID
	})
	return firstRow(candidates), nil
}

func (m *Memory) lastJobWithUsableS1Assembly(p map[string]interface{}) ([]map[string]interface{}, error) {
	all, err := m.jobs(models.JobTypeSwsWds)
	if err != nil {
		return nil, err
	}
	assemblyID := paramString(p, "assembly_id")
	var candidates []memJob
	for _, j := range all {
		job := j.job.(*models.SwsWdsJob)
		if job.AssemblyID != assemblyID || j.status == models.StatusCancelled {
			continue
		}
		if job.AssemblyStatus == models.AssemblyStatusGenerated || job.AssemblyStatus == models.AssemblyStatusEmpty {
			candidates = append(candidates, j)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].job.Base().ID > candidates[b].job.Base().ID
	})
	return firstRow(candidates), nil
}

func (m *Memory) fscRlieJobsFollowing(p map[string]interface{}) ([]map[string]interface{}, error) {
	all, err := m.fscRlie()
	if err != nil {
		return nil, err
	}
	tile := paramString(p, "tile_id")
	low := paramTime(p, "low_measurement_date")
	lowCreation := paramTime(p, "low_creation_date")
	limit := paramInt(p, "limit")

	var candidates []memJob
	for _, j := range all {
		job := j.job.(*models.FscRlieJob)
		if job.TileID != tile || !job.ReferenceJob || j.status == models.StatusCancelled {
			continue
		}
		if job.ReprocessingContext == models.ReprocessingContextBackward {
			continue
		}
		measurement := job.MeasurementDateValue
		if measurement.After(low) || (measurement.Equal(low) && job.CreationDate().After(lowCreation)) {
			candidates = append(candidates, j)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		ja, jb := candidates[a].job.(*models.FscRlieJob), candidates[b].job.(*models.FscRlieJob)
		if !ja.MeasurementDateValue.Equal(jb.MeasurementDateValue) {
			return ja.MeasurementDateValue.Before(jb.MeasurementDateValue)
		}
		return ja.ID < jb.ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	rows := make([]map[string]interface{}, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, copyRow(c.row))
	}
	return rows, nil
}

func (m *Memory) fscRlieLastInit(p map[string]interface{}) ([]map[string]interface{}, error) {
	all, err := m.fscRlie()
	if err != nil {
		return nil, err
	}
	tile := paramString(p, "tile_id")
	high := paramTime(p, "high_date")
	var candidates []memJob
	for _, j := range all {
		job := j.job.(*models.FscRlieJob)
		if job.TileID != tile || job.Mode != models.ModeInit || job.BackwardReprocessingRun {
			continue
		}
		if job.ReprocessingContext == models.ReprocessingContextBackward || j.status == models.StatusCancelled {
			continue
		}
		if !job.MeasurementDateValue.After(high) {
			candidates = append(candidates, j)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		ja, jb := candidates[a].job.(*models.FscRlieJob), candidates[b].job.(*models.FscRlieJob)
		if !ja.MeasurementDateValue.Equal(jb.MeasurementDateValue) {
			return ja.MeasurementDateValue.After(jb.MeasurementDateValue)
		}
		return ja.ID > jb.ID
	})
	return firstRow(candidates), nil
}

func (m *Memory) gfscJobsWithStatus(p map[string]interface{}) ([]map[string]interface{}, error) {
	all, err := m.jobs(models.JobTypeGfsc)
	if err != nil {
		return nil, err
	}
	wanted := paramStatuses(p, "status")
	productDate := paramTime(p, "product_date")
	tile := paramString(p, "tile_id")
	var rows []map[string]interface{}
	for _, j := range all {
		job := j.job.(*models.GfscJob)
		if job.TileID == tile && job.ProductDate.Equal(productDate) && wanted[j.status] {
			rows = append(rows, copyRow(j.row))
		}
	}
	return rows, nil
}

func (m *Memory) lastJobWithLatestPublication(p map[string]interface{}) ([]map[string]interface{}, error) {
	t, err := tableJobType(paramString(p, "table"))
	if err != nil {
		return nil, err
	}
	all, err := m.jobs(t)
	if err != nil {
		return nil, err
	}
	var best *memJob
	for i := range all {
		published := all[i].job.CataloguePublicationDate()
		if published == nil {
			continue
		}
		if best == nil || published.After(*best.job.CataloguePublicationDate()) {
			best = &all[i]
		}
	}
	if best == nil {
		return nil, nil
	}
	return []map[string]interface{}{copyRow(best.row)}, nil
}

func firstRow(candidates []memJob) []map[string]interface{} {
	if len(candidates) == 0 {
		return nil
	}
	return []map[string]interface{}{copyRow(candidates[0].row)}
}

func tableJobType(table string) (models.JobType, error) {
	for _, t := range models.AllJobTypes {
		if t.Table() == table {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown jobs table %q", ErrStoreRequest, table)
}

// normalize round-trips v through JSON so stored values have the same shape
// as rows read from the REST store.
func normalize(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := make(map[string]interface{})
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func copyRows(rows []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, copyRow(row))
	}
	return out
}

func paramString(p map[string]interface{}, key string) string {
	if v, ok := p[key]; ok && v != nil {
		return FormatValue(v)
	}
	return ""
}

func paramBool(p map[string]interface{}, key string) bool {
	b, _ := p[key].(bool)
	return b
}

func paramInt(p map[string]interface{}, key string) int {
	n, _ := strconv.Atoi(paramString(p, key))
	return n
}

func paramTime(p map[string]interface{}, key string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, paramString(p, key))
	return t
}

func paramList(p map[string]interface{}, key string) []string {
	items, _ := p[key].([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, FormatValue(item))
	}
	return out
}

func paramStatuses(p map[string]interface{}, key string) map[models.Status]bool {
	wanted := make(map[models.Status]bool)
	for _, name := range paramList(p, key) {
		var st models.Status
		if err := st.UnmarshalText([]byte(name)); err == nil {
			wanted[st] = true
		}
	}
	return wanted
}
