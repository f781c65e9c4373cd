package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var measured = time.Date(2021, 1, 5, 10, 33, 0, 0, time.UTC)

func newStore() (*store.Store, *store.Memory, *clock.MockClock) {
	mock := clock.NewMockClock(time.Date(2021, 1, 5, 12, 0, 0, 0, time.UTC))
	st, mem := store.NewMemoryStore(store.Options{Clock: mock}, zap.NewNop())
	return st, mem, mock
}

func fscJob(t *testing.T, st *store.Store, tile, l1c string) *models.FscRlieJob {
	t.Helper()
	job := &models.FscRlieJob{L1CID: l1c, MeasurementDateValue: measured}
	job.TileID = tile
	job.PreInsertionSetup("INFO", false)
	require.NoError(t, st.InsertJob(context.Background(), job))
	return job
}

type recorder struct {
	events []store.StatusEvent
}

func (r *recorder) StatusChanged(_ context.Context, change store.StatusEvent) {
	r.events = append(r.events, change)
}

func TestInsertJobAssignsIDsAndRoundTrips(t *testing.T) {
	st, _, _ := newStore()
	job := fscJob(t, st, "32TLR", "S2B_MSIL1C_20210105T103329_N0209_R108_T32TLR_20210105T114151")

	assert.NotZero(t, job.ID)
	assert.NotZero(t, job.ParentJobID)

	got, err := st.JobByID(context.Background(), models.JobTypeFscRlie, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	fsc := got.(*models.FscRlieJob)
	assert.Equal(t, job.L1CID, fsc.L1CID)
	assert.Equal(t, "32TLR", fsc.TileID)
	assert.True(t, measured.Equal(fsc.MeasurementDateValue))
	assert.Equal(t, job.Parent.Name, fsc.Parent.Name)

	missing, err := st.JobByID(context.Background(), models.JobTypeFscRlie, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStatusChangesAreValidatedAndBroadcast(t *testing.T) {
	ctx := context.Background()
	st, _, mock := newStore()
	rec := &recorder{}
	st.SetStatusListener(store.Listeners{rec})
	job := fscJob(t, st, "32TLR", "L1C_A")

	_, err := st.PostNewStatusChange(ctx, job, models.StatusReady, "", "")
	require.Error(t, err)
	assert.True(t, csierr.IsInternal(err))
	assert.True(t, csierr.HasSubtype(err, csierr.SubtypeStatusTransition))

	require.NoError(t, st.PostStatusChain(ctx, job,
		store.StatusStep{Status: models.StatusInitialized},
		store.StatusStep{Status: models.StatusConfigured},
	))
	mock.AddTime(time.Minute)
	change, err := st.PostNewStatusChange(ctx, job, models.StatusExternalError, csierr.SubtypeSciHub, "hub down")
	require.NoError(t, err)
	require.NotNil(t, change.ErrorSubtype)
	assert.Equal(t, csierr.SubtypeSciHub, *change.ErrorSubtype)

	status, ok := job.LastStatus()
	require.True(t, ok)
	assert.Equal(t, models.StatusExternalError, status)

	require.Len(t, rec.events, 3)
	assert.Equal(t, models.StatusExternalError, rec.events[2].Status)
	assert.Equal(t, "hub down", rec.events[2].ErrorMessage)
	assert.Equal(t, models.JobTypeFscRlie, rec.events[2].JobType)

	reloaded, err := st.JobByID(ctx, models.JobTypeFscRlie, job.ID)
	require.NoError(t, err)
	status, _ = reloaded.Base().LastStatus()
	assert.Equal(t, models.StatusExternalError, status)
	require.NotNil(t, reloaded.Base().Parent.LastStatusChangeDate)
	assert.True(t, mock.Now().Equal(*reloaded.Base().Parent.LastStatusChangeDate))
}

func TestStatusHistoryAndLastStatusQueries(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newStore()
	first := fscJob(t, st, "32TLR", "L1C_A")
	second := fscJob(t, st, "32TLS", "L1C_B")
	require.NoError(t, st.PostStatusChain(ctx, first,
		store.StatusStep{Status: models.StatusInitialized},
		store.StatusStep{Status: models.StatusConfigured},
		store.StatusStep{Status: models.StatusReady},
	))
	require.NoError(t, st.PostStatusChain(ctx, second, store.StatusStep{Status: models.StatusInitialized}))

	histories, err := st.StatusHistory(ctx, []int64{first.ParentJobID, second.ParentJobID})
	require.NoError(t, err)
	require.Len(t, histories[first.ParentJobID], 3)
	assert.Equal(t, models.StatusReady, histories[first.ParentJobID][2].Status)
	assert.Len(t, histories[second.ParentJobID], 1)

	ready, err := st.JobsWithLastStatus(ctx, models.JobTypeFscRlie, models.StatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, first.ID, ready[0].Base().ID)

	last, err := st.LastJobStatus(ctx, []int64{first.ParentJobID, second.ParentJobID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, last[first.ParentJobID].Status)
	assert.Equal(t, models.StatusInitialized, last[second.ParentJobID].Status)
}

func TestFindJobsWithQuery(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newStore()
	fscJob(t, st, "32TLR", "S2A_MSIL1C_20210101T103421_N0209_R108_T32TLR_20210101T114151")
	newest := fscJob(t, st, "32TLR", "S2B_MSIL1C_20210105T103329_N0209_R108_T32TLR_20210105T114151")
	fscJob(t, st, "31TCH", "S2B_MSIL1C_20210105T103329_N0209_R108_T31TCH_20210105T114151")

	found, err := st.FindJobs(ctx, models.JobTypeFscRlie,
		store.NewQuery().Eq("tile_id", "32TLR").Like("l1c_id", "*20210105*").OrderBy("id", true).Limit(5))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, newest.ID, found[0].Base().ID)

	found, err = st.FindJobs(ctx, models.JobTypeFscRlie, store.NewQuery().In("tile_id", "32TLR", "31TCH").OrderBy("id", true))
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Greater(t, found[0].Base().ID, found[2].Base().ID)
}

func TestMaxTime(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newStore()

	none, err := st.MaxTime(ctx, models.JobTypeFscRlie.Table(), "measurement_date")
	require.NoError(t, err)
	assert.Nil(t, none)

	fscJob(t, st, "32TLR", "L1C_A")
	latest, err := st.MaxTime(ctx, models.JobTypeFscRlie.Table(), "measurement_date")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, measured.Equal(*latest))
}

type flakyProcedures struct {
	failures int
	calls    int
}

func (f *flakyProcedures) Call(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: deadline exceeded", store.ErrStoreTimeout)
	}
	return nil, nil
}

func TestProcedureTimeoutsAreRetried(t *testing.T) {
	procedures := &flakyProcedures{failures: 2}
	st := store.New(store.NewMemory(), procedures, store.Options{RetryWait: time.Millisecond, ProcedureRetries: 3}, zap.NewNop())

	_, err := st.JobsWithLastStatus(context.Background(), models.JobTypeTest, models.StatusReady)
	require.NoError(t, err)
	assert.Equal(t, 3, procedures.calls)
}

func TestExhaustedProcedureRetriesAreInternal(t *testing.T) {
	procedures := &flakyProcedures{failures: 10}
	st := store.New(store.NewMemory(), procedures, store.Options{RetryWait: time.Millisecond, ProcedureRetries: 2}, zap.NewNop())

	_, err := st.JobsWithLastStatus(context.Background(), models.JobTypeTest, models.StatusReady)
	require.Error(t, err)
	assert.True(t, csierr.HasSubtype(err, csierr.SubtypeStoredProcedureRequest))
	assert.Equal(t, 3, procedures.calls)
}

func TestParametersCacheRefreshes(t *testing.T) {
	ctx := context.Background()
	st, mem, mock := newStore()
	_, err := mem.Insert(ctx, models.TableSystemParameters, map[string]interface{}{
		"max_number_of_worker_instances": 10,
		"job_types":                      "fsc_rlie;gfsc",
	})
	require.NoError(t, err)
	cache := store.NewParametersCache(st, time.Minute)

	params, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, params.MaxNumberOfWorkerInstances)
	assert.True(t, params.JobTypeActive(models.JobTypeGfsc))
	assert.False(t, params.JobTypeActive(models.JobTypeSwsWds))

	require.NoError(t, mem.Update(ctx, models.TableSystemParameters, store.NewQuery().Eq("id", 1),
		map[string]interface{}{"max_number_of_worker_instances": 20}))
	params, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, params.MaxNumberOfWorkerInstances)

	mock.AddTime(2 * time.Minute)
	params, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, params.MaxNumberOfWorkerInstances)
	assert.Same(t, params, cache.Current())
}

func TestEmptyParametersTableIsInternal(t *testing.T) {
	st, _, _ := newStore()
	_, err := store.NewParametersCache(st, time.Minute).Get(context.Background())
	assert.True(t, csierr.HasSubtype(err, csierr.SubtypeStoreRequest))
}

func TestRESTClientRequests(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path+" "+r.Header.Get("Prefer"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/parent_jobs":
			body, _ := io.ReadAll(r.Body)
			var row map[string]interface{}
			assert.NoError(t, json.Unmarshal(body, &row))
			row["id"] = 42
			_ = json.NewEncoder(w).Encode([]interface{}{row})
		case r.URL.Path == "/rpc/jobs_with_last_status":
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodGet:
			assert.Equal(t, "eq.32TLR", r.URL.Query().Get("tile_id"))
			assert.Equal(t, "id.desc.nullslast", r.URL.Query().Get("order"))
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`{"id": 7, "tile_id": "32TLR"}`))
		default:
			http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	client := store.NewRESTClient(srv.URL)
	ctx := context.Background()

	created, err := client.Insert(ctx, "parent_jobs", map[string]interface{}{"name": "job"})
	require.NoError(t, err)
	assert.EqualValues(t, 42, created["id"])

	rows, err := client.Select(ctx, "fsc_rlie_jobs", store.NewQuery().Eq("tile_id", "32TLR").OrderBy("id", true).Limit(1))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = client.Call(ctx, "jobs_with_last_status", map[string]interface{}{"jobs_table": "fsc_rlie_jobs"})
	require.NoError(t, err)

	err = client.Update(ctx, "parent_jobs", store.NewQuery().Eq("id", 42), map[string]interface{}{"priority": "nrt"})
	assert.ErrorIs(t, err, store.ErrStoreRequest)

	err = client.Update(ctx, "parent_jobs", store.NewQuery(), map[string]interface{}{"priority": "nrt"})
	assert.ErrorIs(t, err, store.ErrStoreRequest)

	assert.Equal(t, []string{
		"POST /parent_jobs return=representation",
		"GET /fsc_rlie_jobs ",
		"POST /rpc/jobs_with_last_status params=single-object",
		"PATCH /parent_jobs ",
	}, seen)
}

func TestRESTClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := store.NewRESTClient(url).Select(context.Background(), "parent_jobs", store.NewQuery())
	assert.ErrorIs(t, err, store.ErrStoreUnreachable)
}

func TestMaxTimeWhereSkipsNullsAndFilteredRows(t *testing.T) {
	ctx := context.Background()
	st, mem, _ := newStore()
	table := models.JobTypeGfsc.Table()
	for _, row := range []map[string]interface{}{
		{"daily_job": false, "triggering_product_publication_date": "2021-01-05T09:00:00Z"},
		{"daily_job": true, "triggering_product_publication_date": "2021-01-05T13:00:00Z"},
		{"daily_job": false, "triggering_product_publication_date": nil},
	} {
		_, err := mem.Insert(ctx, table, row)
		require.NoError(t, err)
	}

	all, err := st.MaxTime(ctx, table, "triggering_product_publication_date")
	require.NoError(t, err)
	require.NotNil(t, all)
	assert.True(t, time.Date(2021, 1, 5, 13, 0, 0, 0, time.UTC).Equal(*all))

	nonDaily, err := st.MaxTimeWhere(ctx, table, "triggering_product_publication_date", store.NewQuery().Eq("daily_job", false))
	require.NoError(t, err)
	require.NotNil(t, nonDaily)
	assert.True(t, time.Date(2021, 1, 5, 9, 0, 0, 0, time.UTC).Equal(*nonDaily))
}

func TestQueryGreaterThan(t *testing.T) {
	q := store.NewQuery().Gt("id", 3).OrderBy("id", false)
	assert.Equal(t, "gt.3", q.Values().Get("id"))

	rows := []map[string]interface{}{{"id": json.Number("2")}, {"id": json.Number("5")}, {"id": json.Number("4")}}
	matched := q.Apply(rows)
	require.Len(t, matched, 2)
	assert.Equal(t, json.Number("4"), matched[0]["id"])
}
