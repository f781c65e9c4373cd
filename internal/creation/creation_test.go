package creation_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	"github.com/cosims/nrt-orchestrator/internal/creation"
	"github.com/cosims/nrt-orchestrator/internal/geometry"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCatalogue struct {
	products []catalogue.Product
	requests []catalogue.SearchRequest
}

func (f *fakeCatalogue) Search(ctx context.Context, req catalogue.SearchRequest) ([]catalogue.Product, error) {
	f.requests = append(f.requests, req)
	var out []catalogue.Product
	for _, p := range f.products {
		if p.Collection != req.Collection {
			continue
		}
		if req.Collection == catalogue.CollectionHRSI && p.ProductType != req.Params.Get("productType") {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type fakeManifests struct{}

func (fakeManifests) Slice(ctx context.Context, path string) (catalogue.SliceInfo, error) {
	return catalogue.SliceInfo{SliceNumber: 2, TotalSlices: 5}, nil
}

type fixture struct {
	store    *store.Store
	clock    *clock.MockClock
	params   *models.SystemParameters
	creodias *fakeCatalogue
	hrsi     *fakeCatalogue
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	mock := clock.NewMockClock(now)
	st, _ := store.NewMemoryStore(store.Options{Clock: mock}, zap.NewNop())
	return &fixture{
		store:    st,
		clock:    mock,
		params:   &models.SystemParameters{},
		creodias: &fakeCatalogue{},
		hrsi:     &fakeCatalogue{},
	}
}

func (f *fixture) service(opts creation.Options) *creation.Service {
	params := func(context.Context) (*models.SystemParameters, error) { return f.params, nil }
	sources := creation.Sources{Creodias: f.creodias, HRSI: f.hrsi, Manifests: fakeManifests{}}
	if opts.MaxRequestedPages == 0 {
		opts.MaxRequestedPages = 50
	}
	return creation.New(f.store, params, sources, opts, nil, f.clock, zap.NewNop())
}

func (f *fixture) jobs(t *testing.T, jt models.JobType) []models.Job {
	t.Helper()
	found, err := f.store.FindJobs(context.Background(), jt, store.NewQuery().OrderBy("id", false))
	require.NoError(t, err)
	return found
}

func l1cProduct(title string, measurement, published time.Time) catalogue.Product {
	created, _ := catalogue.S2CreationDate(title)
	return catalogue.Product{
		ID:              title,
		Path:            "/eodata/Sentinel-2/" + title,
		Collection:      catalogue.CollectionSentinel2,
		MeasurementDate: measurement,
		PublicationDate: published,
		CreationDate:    &created,
		TileID:          catalogue.TileFromTitle(title),
	}
}

func at(year int, month time.Month, d, h, m int) time.Time {
	return time.Date(year, month, d, h, m, 0, 0, time.UTC)
}

func TestLateRepublicationSupersedesReferenceJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(2019, 3, 11, 12, 0))

	measured := at(2019, 3, 10, 6, 0)
	original := l1cProduct("S2A_MSIL1C_20190310T060000_N0207_R063_T32TLR_20190310T070000.SAFE", measured, at(2019, 3, 11, 8, 0))
	svc := f.service(creation.Options{JobTypes: []models.JobType{models.JobTypeFscRlie}})

	f.creodias.products = []catalogue.Product{original}
	require.NoError(t, svc.Tick(ctx))
	require.Len(t, f.jobs(t, models.JobTypeFscRlie), 1)

	republished := l1cProduct("S2A_MSIL1C_20190310T060000_N0207_R063_T32TLR_20190310T090000.SAFE", measured, at(2019, 3, 11, 5, 0))
	f.creodias.products = []catalogue.Product{original, republished}
	require.NoError(t, svc.Tick(ctx))

	found := f.jobs(t, models.JobTypeFscRlie)
	require.Len(t, found, 2)
	a, b := found[0].(*models.FscRlieJob), found[1].(*models.FscRlieJob)
	assert.False(t, a.ReferenceJob)
	assert.True(t, b.ReferenceJob)
	assert.Equal(t, "S2A_MSIL1C_20190310T060000_N0207_R063_T32TLR_20190310T090000", b.L1CID)
	assert.True(t, b.CreationDate().Equal(at(2019, 3, 10, 9, 0)))
	status, _ := b.LastStatus()
	assert.Equal(t, models.StatusInitialized, status)

	require.NoError(t, svc.Tick(ctx))
	assert.Len(t, f.jobs(t, models.JobTypeFscRlie), 2)
}

func TestRepublicationTooLateIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(2019, 3, 12, 12, 0))
	measured := at(2019, 3, 10, 6, 0)
	svc := f.service(creation.Options{JobTypes: []models.JobType{models.JobTypeFscRlie}})

	f.creodias.products = []catalogue.Product{
		l1cProduct("S2A_MSIL1C_20190310T060000_N0207_R063_T32TLR_20190310T070000.SAFE", measured, at(2019, 3, 10, 8, 0)),
	}
	require.NoError(t, svc.Tick(ctx))

	f.creodias.products = []catalogue.Product{
		l1cProduct("S2A_MSIL1C_20190310T060000_N0207_R063_T32TLR_20190311T090000.SAFE", measured, at(2019, 3, 12, 8, 0)),
	}
	require.NoError(t, svc.Tick(ctx))

	found := f.jobs(t, models.JobTypeFscRlie)
	require.Len(t, found, 1)
	assert.True(t, found[0].(*models.FscRlieJob).ReferenceJob)
}

func TestCreationWindowAndTileFilter(t *testing.T) {
	ctx := context.Background()
	now := at(2021, 1, 6, 0, 0)
	f := newFixture(t, now)
	svc := f.service(creation.Options{
		JobTypes: []models.JobType{models.JobTypeFscRlie},
		Tiles:    []string{"32TLR"},
		AOIWKT:   "POLYGON((0 40,20 40,20 50,0 50,0 40))",
	})

	published := at(2021, 1, 5, 12, 0)
	inTile := l1cProduct("S2B_MSIL1C_20210105T103329_N0209_R108_T32TLR_20210105T114151.SAFE", at(2021, 1, 5, 10, 33), published)
	outside := l1cProduct("S2B_MSIL1C_20210105T103329_N0209_R108_T31TCH_20210105T114151.SAFE", at(2021, 1, 5, 10, 33), published)
	f.creodias.products = []catalogue.Product{inTile, inTile, outside}

	require.NoError(t, svc.Tick(ctx))
	found := f.jobs(t, models.JobTypeFscRlie)
	require.Len(t, found, 1)
	job := found[0].(*models.FscRlieJob)
	assert.Equal(t, "32TLR", job.TileID)
	assert.Equal(t, "32TLR-2021-01-05", job.Parent.Name)
	assert.Equal(t, models.PriorityNRT, job.Parent.Priority)
	assert.True(t, job.NRT)

	require.Len(t, f.creodias.requests, 1)
	first := f.creodias.requests[0]
	assert.Equal(t, catalogue.CollectionSentinel2, first.Collection)
	assert.True(t, first.PublishedAfter.Equal(now.Add(-7*24*time.Hour)))
	assert.Equal(t, 50, first.MaxPages)
	assert.Equal(t, "POLYGON((0 40,20 40,20 50,0 50,0 40))", first.GeometryWKT)

	require.NoError(t, svc.Tick(ctx))
	second := f.creodias.requests[1]
	assert.True(t, second.PublishedAfter.Equal(published.Add(-time.Second)))
	assert.Zero(t, second.MaxPages)
	assert.Len(t, f.jobs(t, models.JobTypeFscRlie), 1)
}

func TestReprocessedJobsAreCancelled(t *testing.T) {
	f := newFixture(t, at(2021, 1, 6, 0, 0))
	f.params.OperationalStartDate = models.NewJSONText(map[string]time.Time{"L1C": at(2021, 1, 6, 0, 0)})
	svc := f.service(creation.Options{JobTypes: []models.JobType{models.JobTypeFscRlie}})

	f.creodias.products = []catalogue.Product{
		l1cProduct("S2B_MSIL1C_20210105T103329_N0209_R108_T32TLR_20210105T114151.SAFE", at(2021, 1, 5, 10, 33), at(2021, 1, 5, 12, 0)),
	}
	require.NoError(t, svc.Tick(context.Background()))

	found := f.jobs(t, models.JobTypeFscRlie)
	require.Len(t, found, 1)
	job := found[0].(*models.FscRlieJob)
	status, _ := job.LastStatus()
	assert.Equal(t, models.StatusCancelled, status)
	assert.False(t, job.NRT)
	assert.Equal(t, models.PriorityReprocessing, job.Parent.Priority)
}

func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
}

func TestRadarSnowJobsPerTile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(2021, 1, 5, 12, 0))
	grid := geometry.NewGrid(map[string]orb.Geometry{
		"32TLR": square(6, 45, 7, 46),
		"32TLS": square(6, 46, 7, 47),
		"31TCH": square(0, 40, 1, 41),
	})
	svc := f.service(creation.Options{JobTypes: []models.JobType{models.JobTypeSwsWds, models.JobTypeRlieS1}, Grid: grid})

	s1 := catalogue.Product{
		ID:              "S1A_IW_GRDH_1SDV_20210105T053012_20210105T053037_036000_043A1B_ABCD.SAFE",
		Path:            "/eodata/Sentinel-1/S1A_IW_GRDH_1SDV_20210105T053012",
		Collection:      catalogue.CollectionSentinel1,
		MeasurementDate: at(2021, 1, 5, 5, 30),
		PublicationDate: at(2021, 1, 5, 8, 0),
		GeometryWKT:     "POLYGON((6.2 45.2,6.8 45.2,6.8 46.8,6.2 46.8,6.2 45.2))",
	}
	f.creodias.products = []catalogue.Product{s1}
	require.NoError(t, svc.Tick(ctx))

	snow := f.jobs(t, models.JobTypeSwsWds)
	require.Len(t, snow, 2)
	first := snow[0].(*models.SwsWdsJob)
	assert.Equal(t, "32TLR", first.TileID)
	assert.Equal(t, "S1A_043A1B_32632_20210105", first.AssemblyID)
	assert.Equal(t, 2, first.SliceNumber)
	assert.Equal(t, 5, first.TotalSlices)
	assert.Equal(t, models.AssemblyMasterUndecided, first.AssemblyMasterJobID)
	assert.Equal(t, "32TLS", snow[1].Base().TileID)

	ice := f.jobs(t, models.JobTypeRlieS1)
	require.Len(t, ice, 1)
	assert.Equal(t, models.DelimitedList{"32TLR", "32TLS"}, ice[0].(*models.RlieS1Job).TileList)

	require.NoError(t, svc.Tick(ctx))
	assert.Len(t, f.jobs(t, models.JobTypeSwsWds), 2)
	assert.Len(t, f.jobs(t, models.JobTypeRlieS1), 1)
}

func hrsiProduct(productType, id string, measurement, published time.Time) catalogue.Product {
	return catalogue.Product{
		ID:              id,
		Collection:      catalogue.CollectionHRSI,
		ProductType:     productType,
		MeasurementDate: measurement,
		PublicationDate: published,
		TileID:          catalogue.TileFromTitle(id),
	}
}

func TestGfscKeepsRadarTriggerPerTileAndDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(2021, 1, 5, 14, 0))
	f.params.GfscAggregationTimespan = 7
	svc := f.service(creation.Options{JobTypes: []models.JobType{models.JobTypeGfsc}})

	f.hrsi.products = []catalogue.Product{
		hrsiProduct(models.ProductTypeFSC, "FSC_20210105T103421_S2B_T32TLR_V100_N", at(2021, 1, 5, 10, 34), at(2021, 1, 5, 13, 0)),
		hrsiProduct(models.ProductTypeWDS, "WDS_20210105T053012_S1A_T32TLR_V100_N", at(2021, 1, 5, 5, 30), at(2021, 1, 5, 9, 0)),
		hrsiProduct(models.ProductTypeFSC, "FSC_20210105T103421_S2B_T31TCH_V100_N", at(2021, 1, 5, 10, 34), at(2021, 1, 5, 13, 0)),
	}
	require.NoError(t, svc.Tick(ctx))

	found := f.jobs(t, models.JobTypeGfsc)
	require.Len(t, found, 2)
	byTile := map[string]*models.GfscJob{}
	for _, j := range found {
		byTile[j.Base().TileID] = j.(*models.GfscJob)
	}
	assert.Equal(t, "WDS_20210105T053012_S1A_T32TLR_V100_N", byTile["32TLR"].TriggeringProductID)
	assert.True(t, byTile["32TLR"].ProductDate.Equal(at(2021, 1, 5, 0, 0)))
	assert.Equal(t, 7, byTile["32TLR"].AggregationTimespan)
	assert.True(t, byTile["32TLR"].InputsEmpty())
	assert.Equal(t, "FSC_20210105T103421_S2B_T31TCH_V100_N", byTile["31TCH"].TriggeringProductID)

	require.NoError(t, svc.Tick(ctx))
	assert.Len(t, f.jobs(t, models.JobTypeGfsc), 2)
}

func TestDailyGfscJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(2021, 1, 5, 12, 0))
	svc := f.service(creation.Options{JobTypes: []models.JobType{models.JobTypeGfsc}})

	f.hrsi.products = []catalogue.Product{
		hrsiProduct(models.ProductTypeGFSC, "GFSC_20210103-007_S1-S2_T32TLR_V101_1609700000", at(2021, 1, 3, 0, 0), at(2021, 1, 3, 20, 0)),
		hrsiProduct(models.ProductTypeGFSC, "GFSC_20201201-007_S1-S2_T31TCH_V101_1606800000", at(2020, 12, 1, 0, 0), at(2020, 12, 1, 20, 0)),
	}

	require.NoError(t, svc.Tick(ctx))
	assert.Empty(t, f.jobs(t, models.JobTypeGfsc), "outside the daily window")

	f.clock.AddTime(11 * time.Hour)
	require.NoError(t, svc.Tick(ctx))
	found := f.jobs(t, models.JobTypeGfsc)
	require.Len(t, found, 1)
	daily := found[0].(*models.GfscJob)
	assert.True(t, daily.DailyJob)
	assert.Equal(t, "32TLR", daily.TileID)
	assert.True(t, daily.ProductDate.Equal(at(2021, 1, 5, 0, 0)))
	assert.Equal(t, "GFSC_20210103-007_S1-S2_T32TLR_V101_1609700000", daily.TriggeringProductID)

	f.clock.AddTime(2 * time.Hour)
	require.NoError(t, svc.Tick(ctx))
	assert.Len(t, f.jobs(t, models.JobTypeGfsc), 1)
}

func TestGfscCursorIgnoresDailyJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(2021, 1, 5, 14, 0))
	triggered := at(2021, 1, 5, 9, 0)

	stored := []*models.GfscJob{
		{ProductDate: at(2021, 1, 5, 0, 0), TriggeringProductID: "FSC_20210105T103421_S2B_T32TLR_V100_N",
			TriggeringProductPublicationDate: models.TimePtr(triggered)},
		{ProductDate: at(2021, 1, 4, 0, 0), TriggeringProductID: "GFSC_20210103-007_S1-S2_T31TCH_V101_1609700000",
			TriggeringProductPublicationDate: models.TimePtr(at(2021, 1, 5, 13, 0)), DailyJob: true},
	}
	for _, job := range stored {
		job.TileID = catalogue.TileFromTitle(job.TriggeringProductID)
		job.PreInsertionSetup("INFO", false)
		require.NoError(t, f.store.InsertJob(ctx, job))
	}

	svc := f.service(creation.Options{JobTypes: []models.JobType{models.JobTypeGfsc}})
	require.NoError(t, svc.Tick(ctx))
	require.NotEmpty(t, f.hrsi.requests)
	assert.True(t, f.hrsi.requests[0].PublishedAfter.Equal(triggered.Add(-time.Second)))
}

// flakyStatusTable fails the next status history writes.
type flakyStatusTable struct {
	*store.Memory
	failures int
}

func (f *flakyStatusTable) Insert(ctx context.Context, table string, row map[string]interface{}) (map[string]interface{}, error) {
	if table == models.TableJobStatusChanges && f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("%w: connection reset by peer", store.ErrStoreUnreachable)
	}
	return f.Memory.Insert(ctx, table, row)
}

func TestJobStoredWithoutStatusIsCreatedAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(2021, 1, 5, 14, 0))
	mem := store.NewMemory()
	f.store = store.New(&flakyStatusTable{Memory: mem, failures: 1}, mem, store.Options{Clock: f.clock}, zap.NewNop())
	svc := f.service(creation.Options{JobTypes: []models.JobType{models.JobTypeFscRlie, models.JobTypeGfsc}})

	f.creodias.products = []catalogue.Product{
		l1cProduct("S2B_MSIL1C_20210105T103329_N0209_R108_T32TLR_20210105T114151.SAFE", at(2021, 1, 5, 10, 33), at(2021, 1, 5, 12, 0)),
	}
	f.hrsi.products = []catalogue.Product{
		hrsiProduct(models.ProductTypeFSC, "FSC_20210105T103421_S2B_T32TLR_V100_N", at(2021, 1, 5, 10, 34), at(2021, 1, 5, 13, 0)),
	}

	err := svc.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStoreUnreachable)
	require.Len(t, f.jobs(t, models.JobTypeFscRlie), 1)
	_, ok := f.jobs(t, models.JobTypeFscRlie)[0].Base().LastStatus()
	assert.False(t, ok)
	require.Len(t, f.jobs(t, models.JobTypeGfsc), 1, "the next type still runs")

	require.NoError(t, svc.Tick(ctx))
	found := f.jobs(t, models.JobTypeFscRlie)
	require.Len(t, found, 2)
	status, ok := found[1].Base().LastStatus()
	require.True(t, ok)
	assert.Equal(t, models.StatusInitialized, status)

	require.NoError(t, svc.Tick(ctx))
	assert.Len(t, f.jobs(t, models.JobTypeFscRlie), 2)
	assert.Len(t, f.jobs(t, models.JobTypeGfsc), 1)
}
