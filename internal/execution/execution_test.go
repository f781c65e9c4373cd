package execution_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/execution"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/nomad"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var jobNames = map[string]string{"test": "test-job"}

type fixture struct {
	store *store.Store
}

func newFixture() *fixture {
	st, _ := store.NewMemoryStore(store.Options{Clock: clock.NewMockClock(time.Date(2021, 1, 5, 12, 0, 0, 0, time.UTC))}, zap.NewNop())
	return &fixture{store: st}
}

func (f *fixture) readyJob(t *testing.T, priority models.Priority) *models.TestJob {
	t.Helper()
	ctx := context.Background()
	job := &models.TestJob{MeasurementDateValue: time.Date(2021, 1, 5, 0, 0, 0, 0, time.UTC)}
	job.TileID = "32TLR"
	job.PreInsertionSetup("INFO", false)
	job.Parent.Priority = priority
	require.NoError(t, f.store.InsertJob(ctx, job))
	for _, s := range []models.Status{models.StatusInitialized, models.StatusConfigured, models.StatusReady} {
		_, err := f.store.PostNewStatusChange(ctx, job, s, "", "")
		require.NoError(t, err)
	}
	return job
}

func (f *fixture) reload(t *testing.T, job models.Job) models.Job {
	t.Helper()
	found, err := f.store.JobByID(context.Background(), job.Type(), job.Base().ID)
	require.NoError(t, err)
	return found
}

func (f *fixture) history(t *testing.T, job models.Job) models.History {
	t.Helper()
	h, err := f.store.StatusHistory(context.Background(), []int64{job.Base().ParentJobID})
	require.NoError(t, err)
	return h[job.Base().ParentJobID]
}

func (f *fixture) service(d execution.Dispatcher) *execution.Service {
	params := func(context.Context) (*models.SystemParameters, error) { return &models.SystemParameters{}, nil }
	return execution.New(f.store, params, d, execution.Options{JobTypes: []models.JobType{models.JobTypeTest}, JobNames: jobNames}, zap.NewNop())
}

func TestDispatchQueuesJobsByPriority(t *testing.T) {
	f := newFixture()
	delayed := f.readyJob(t, models.PriorityDelayed)
	nrt := f.readyJob(t, models.PriorityNRT)

	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/job/test-job/dispatch", r.URL.Path)
		var body struct {
			Meta map[string]string `json:"Meta"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body.Meta["job_unique_id"])
		order = append(order, body.Meta["job_id"])
		fmt.Fprintf(w, `{"DispatchedJobID":"test-job/dispatch-%s"}`, body.Meta["job_id"])
	}))
	defer srv.Close()

	require.NoError(t, f.service(nomad.NewClient(srv.URL, time.Second)).Tick(context.Background()))

	assert.Equal(t, []string{strconv.FormatInt(nrt.ID, 10), strconv.FormatInt(delayed.ID, 10)}, order)
	for _, job := range []models.Job{nrt, delayed} {
		got := f.reload(t, job)
		status, _ := got.Base().LastStatus()
		assert.Equal(t, models.StatusQueued, status)
		assert.Equal(t, "test-job/dispatch-"+strconv.FormatInt(job.Base().ID, 10), got.Base().NomadID())
	}
}

type scriptedDispatcher struct {
	errs  map[string]error
	calls []string
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, jobName string, meta map[string]string) (string, error) {
	d.calls = append(d.calls, meta["job_id"])
	if err, ok := d.errs[meta["job_id"]]; ok {
		return "", err
	}
	return "dispatch-" + meta["job_id"], nil
}

func TestMissingSchedulerJobIsInternalError(t *testing.T) {
	f := newFixture()
	missing := f.readyJob(t, models.PriorityNRT)
	next := f.readyJob(t, models.PriorityNRT)
	d := &scriptedDispatcher{errs: map[string]error{
		strconv.FormatInt(missing.ID, 10): fmt.Errorf("%w: POST /v1/job/test-job/dispatch", nomad.ErrNotFound),
	}}

	require.NoError(t, f.service(d).Tick(context.Background()))

	last, _ := f.history(t, missing).Last()
	assert.Equal(t, models.StatusInternalError, last.Status)
	require.NotNil(t, last.ErrorSubtype)
	assert.Equal(t, csierr.SubtypeNomadCommand, *last.ErrorSubtype)

	status, _ := f.reload(t, next).Base().LastStatus()
	assert.Equal(t, models.StatusQueued, status)
}

func TestTimeoutKeepsJobReady(t *testing.T) {
	f := newFixture()
	job := f.readyJob(t, models.PriorityNRT)
	d := &scriptedDispatcher{errs: map[string]error{
		strconv.FormatInt(job.ID, 10): fmt.Errorf("%w: read timeout", nomad.ErrTimeout),
	}}

	require.NoError(t, f.service(d).Tick(context.Background()))

	var statuses []models.Status
	for _, change := range f.history(t, job) {
		statuses = append(statuses, change.Status)
	}
	assert.Equal(t, []models.Status{
		models.StatusInitialized, models.StatusConfigured, models.StatusReady,
		models.StatusInternalError, models.StatusErrorChecked, models.StatusReady,
	}, statuses)
	assert.Equal(t, csierr.SubtypeNomadCommandTimeout, *f.history(t, job)[3].ErrorSubtype)
}

func TestRefusedConnectionEndsTick(t *testing.T) {
	f := newFixture()
	first := f.readyJob(t, models.PriorityNRT)
	second := f.readyJob(t, models.PriorityNRT)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := f.service(nomad.NewClient(url, time.Second)).Tick(context.Background())
	require.Error(t, err)
	assert.True(t, csierr.IsExternal(err))

	for _, job := range []models.Job{first, second} {
		status, _ := f.reload(t, job).Base().LastStatus()
		assert.Equal(t, models.StatusReady, status)
	}
}

func TestUnconfiguredJobTypeIsInternal(t *testing.T) {
	f := newFixture()
	f.readyJob(t, models.PriorityNRT)
	params := func(context.Context) (*models.SystemParameters, error) { return &models.SystemParameters{}, nil }
	svc := execution.New(f.store, params, &scriptedDispatcher{}, execution.Options{JobTypes: []models.JobType{models.JobTypeTest}}, zap.NewNop())

	err := svc.Tick(context.Background())
	assert.True(t, csierr.HasSubtype(err, csierr.SubtypeConfiguration))
}
