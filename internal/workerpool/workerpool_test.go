package workerpool_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cosims/nrt-orchestrator/internal/config"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/iaas"
	"github.com/cosims/nrt-orchestrator/internal/models"
	"github.com/cosims/nrt-orchestrator/internal/nomad"
	"github.com/cosims/nrt-orchestrator/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCompute struct {
	clock         clock.Clock
	servers       []iaas.Server
	console       string
	images        []iaas.Image
	created       []iaas.CreateServerRequest
	deleted       []string
	imagesCreated int
}

func (f *fakeCompute) ListServers(ctx context.Context) ([]iaas.Server, error) {
	return append([]iaas.Server(nil), f.servers...), nil
}

func (f *fakeCompute) FindServer(ctx context.Context, name string) (*iaas.Server, error) {
	for _, s := range f.servers {
		if s.Name == name {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeCompute) ConsoleOutput(ctx context.Context, serverID string) (string, error) {
	return f.console, nil
}

func (f *fakeCompute) CreateServer(ctx context.Context, req iaas.CreateServerRequest) (*iaas.Server, error) {
	f.created = append(f.created, req)
	s := iaas.Server{ID: req.Name, Name: req.Name, Created: f.clock.Now(), FlavorID: req.FlavorID, Metadata: req.Metadata}
	f.servers = append(f.servers, s)
	return &s, nil
}

func (f *fakeCompute) DeleteServer(ctx context.Context, serverID string) error {
	f.deleted = append(f.deleted, serverID)
	kept := f.servers[:0]
	for _, s := range f.servers {
		if s.ID != serverID {
			kept = append(kept, s)
		}
	}
	f.servers = kept
	return nil
}

func (f *fakeCompute) DeleteServers(ctx context.Context, serverIDs []string) error {
	for _, id := range serverIDs {
		_ = f.DeleteServer(ctx, id)
	}
	return nil
}

func (f *fakeCompute) CreateImage(ctx context.Context, serverID, name string) (*iaas.Image, error) {
	f.imagesCreated++
	img := iaas.Image{ID: fmt.Sprintf("img-%d", f.imagesCreated), Name: name, Status: iaas.ImageSaving, CreatedAt: f.clock.Now()}
	f.images = append([]iaas.Image{img}, f.images...)
	return &img, nil
}

func (f *fakeCompute) GetImage(ctx context.Context, imageID string) (*iaas.Image, error) {
	for i := range f.images {
		if f.images[i].ID == imageID {
			f.images[i].Status = iaas.ImageActive
			img := f.images[i]
			return &img, nil
		}
	}
	return nil, iaas.ErrNotFound
}

func (f *fakeCompute) ListImages(ctx context.Context, prefix string) ([]iaas.Image, error) {
	var out []iaas.Image
	for _, img := range f.images {
		if strings.HasPrefix(img.Name, prefix) {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeCompute) DeleteImage(ctx context.Context, imageID string) error {
	kept := f.images[:0]
	for _, img := range f.images {
		if img.ID != imageID {
			kept = append(kept, img)
		}
	}
	f.images = kept
	return nil
}

func (f *fakeCompute) Flavors(ctx context.Context) ([]iaas.Flavor, error) {
	return []iaas.Flavor{{ID: "eo2.large", Name: "eo2.large", VCPUs: 4}, {ID: "eo2.xlarge", Name: "eo2.xlarge", VCPUs: 8}}, nil
}

type fakeScheduler struct {
	jobs        map[string][]nomad.JobListStub
	nodes       []nomad.Node
	allocs      map[string][]nomad.Allocation
	eligibility []string
}

func (f *fakeScheduler) Jobs(ctx context.Context, prefix string) ([]nomad.JobListStub, error) {
	return f.jobs[prefix], nil
}

func (f *fakeScheduler) Nodes(ctx context.Context) ([]nomad.Node, error) {
	return append([]nomad.Node(nil), f.nodes...), nil
}

func (f *fakeScheduler) NodeAllocations(ctx context.Context, nodeID string) ([]nomad.Allocation, error) {
	return f.allocs[nodeID], nil
}

func (f *fakeScheduler) SetEligibility(ctx context.Context, nodeID string, eligible bool) error {
	f.eligibility = append(f.eligibility, fmt.Sprintf("%s=%t", nodeID, eligible))
	for i := range f.nodes {
		if f.nodes[i].ID == nodeID {
			f.nodes[i].SchedulingEligibility = nomad.NodeIneligible
			if eligible {
				f.nodes[i].SchedulingEligibility = nomad.NodeEligible
			}
		}
	}
	return nil
}

type fixture struct {
	clock     *clock.MockClock
	compute   *fakeCompute
	scheduler *fakeScheduler
	params    *models.SystemParameters
	service   *workerpool.Service
}

func newFixture() *fixture {
	mock := clock.NewMockClock(time.Date(2021, 1, 5, 12, 0, 0, 0, time.UTC))
	now := mock.Now()
	f := &fixture{
		clock: mock,
		compute: &fakeCompute{
			clock:   mock,
			console: "cloud-init: init finished\n",
			servers: []iaas.Server{
				{
					ID: "template", Name: "nrt-worker-template", Created: now.Add(-24 * time.Hour), FlavorID: "eo2.large",
					Networks: []string{"private"}, SecurityGroups: []string{"default", "nomad"}, KeyName: "ops",
				},
				{ID: "database", Name: "nrt-database", Created: now.Add(-48 * time.Hour), FlavorID: "eo2.xlarge"},
			},
		},
		scheduler: &fakeScheduler{jobs: map[string][]nomad.JobListStub{}, allocs: map[string][]nomad.Allocation{}},
		params: &models.SystemParameters{
			MaxNumberOfWorkerInstances:        10,
			MaxNumberOfVcpus:                  100,
			MaxRatioOfVcpusToBeUsed:           0.9,
			MaxMinutesWorkerWithoutAllocation: 15,
		},
	}
	params := func(context.Context) (*models.SystemParameters, error) { return f.params, nil }
	f.service = workerpool.New(f.compute, f.scheduler, params, workerpool.Options{
		Pool:          config.Default(config.ServiceWorkerPool).WorkerPool,
		JobTypes:      []models.JobType{models.JobTypeSwsWds},
		JobNames:      map[string]string{"sws_wds": "sws-wds-job"},
		APIInstanceIP: "10.0.0.5",
	}, nil, mock, zap.NewNop())
	return f
}

func (f *fixture) pendingJobs(n int) {
	stubs := []nomad.JobListStub{{ID: "sws-wds-job", Status: "running"}}
	for i := 0; i < n; i++ {
		stubs = append(stubs, nomad.JobListStub{ID: fmt.Sprintf("sws-wds-job/dispatch-%d", i), ParentID: "sws-wds-job", Status: "pending"})
	}
	stubs = append(stubs, nomad.JobListStub{ID: "sws-wds-job/dispatch-running", ParentID: "sws-wds-job", Status: "running"})
	f.scheduler.jobs["sws-wds-job"] = stubs
}

func (f *fixture) worker(name string, age time.Duration, address string) {
	s := iaas.Server{
		ID: name, Name: name, Created: f.clock.Now().Add(-age), FlavorID: "eo2.large",
		Metadata: map[string]string{"worker_flavor": "medium"},
	}
	if address != "" {
		s.Addresses = []string{address}
	}
	f.compute.servers = append(f.compute.servers, s)
}

func (f *fixture) node(id, address, eligibility string, allocs ...nomad.Allocation) {
	f.scheduler.nodes = append(f.scheduler.nodes, nomad.Node{
		ID: id, Name: id, Address: address, NodeClass: "medium", Status: "ready", SchedulingEligibility: eligibility,
	})
	f.scheduler.allocs[id] = allocs
}

func (f *fixture) allocation(status string, endedAgo time.Duration) nomad.Allocation {
	return nomad.Allocation{ClientStatus: status, ModifyTime: f.clock.Now().Add(-endedAgo).UnixNano()}
}

func createdNames(reqs []iaas.CreateServerRequest) []string {
	var out []string
	for _, r := range reqs {
		out = append(out, r.Name)
	}
	return out
}

func TestScaleUpUsesMinimumBatch(t *testing.T) {
	f := newFixture()
	f.pendingJobs(2)
	ctx := context.Background()

	require.NoError(t, f.service.Tick(ctx))

	require.Equal(t, []string{"worker-001", "worker-002", "worker-003"}, createdNames(f.compute.created))
	req := f.compute.created[0]
	assert.Equal(t, "eo2.large", req.FlavorID)
	assert.Equal(t, "img-1", req.ImageID)
	assert.Equal(t, []string{"private"}, req.Networks)
	assert.Equal(t, []string{"default", "nomad"}, req.SecurityGroups)
	assert.Equal(t, "ops", req.KeyName)
	assert.Equal(t, "10.0.0.5", req.Metadata["CSI_HTTP_API_INSTANCE_IP"])
	assert.Equal(t, 1, f.compute.imagesCreated)

	require.NoError(t, f.service.Tick(ctx))
	assert.Len(t, f.compute.created, 3, "booting workers cover the demand")
	assert.Empty(t, f.compute.deleted)
}

func TestExistingImageIsReusedAndOlderOnesDeleted(t *testing.T) {
	f := newFixture()
	f.pendingJobs(3)
	now := f.clock.Now()
	f.compute.images = []iaas.Image{
		{ID: "fresh", Name: "nrt-worker-image-b", Status: iaas.ImageActive, CreatedAt: now.Add(-time.Hour)},
		{ID: "old", Name: "nrt-worker-image-a", Status: iaas.ImageActive, CreatedAt: now.Add(-72 * time.Hour)},
	}

	require.NoError(t, f.service.Tick(context.Background()))

	assert.Zero(t, f.compute.imagesCreated)
	require.Len(t, f.compute.created, 3)
	assert.Equal(t, "fresh", f.compute.created[0].ImageID)
	require.Len(t, f.compute.images, 1)
	assert.Equal(t, "fresh", f.compute.images[0].ID)
}

func TestWorkerCountIsCappedBySlots(t *testing.T) {
	f := newFixture()
	f.params.MaxNumberOfWorkerInstances = 4
	f.worker("worker-002", time.Minute, "")
	f.pendingJobs(20)

	require.NoError(t, f.service.Tick(context.Background()))

	assert.Equal(t, []string{"worker-001", "worker-003", "worker-004"}, createdNames(f.compute.created))
}

func TestSaturationDeletesEveryStaleWorker(t *testing.T) {
	f := newFixture()
	f.params.MaxNumberOfVcpus = 24
	f.params.MaxRatioOfVcpusToBeUsed = 0.5
	f.worker("worker-001", 30*time.Minute, "")
	f.worker("worker-002", 60*time.Minute, "")
	f.worker("worker-003", 5*time.Minute, "")

	require.NoError(t, f.service.Tick(context.Background()))

	assert.Equal(t, []string{"worker-001", "worker-002"}, f.compute.deleted)
}

func TestOneStaleWorkerDeletedPerTick(t *testing.T) {
	f := newFixture()
	f.worker("worker-001", 30*time.Minute, "")
	f.worker("worker-002", 60*time.Minute, "")
	f.worker("worker-003", 5*time.Minute, "")
	ctx := context.Background()

	require.NoError(t, f.service.Tick(ctx))
	assert.Equal(t, []string{"worker-002"}, f.compute.deleted)

	require.NoError(t, f.service.Tick(ctx))
	assert.Equal(t, []string{"worker-002", "worker-001"}, f.compute.deleted)
}

func TestUninitialisedTemplate(t *testing.T) {
	f := newFixture()
	f.compute.console = "cloud-init: running modules\n"
	f.compute.servers[0].Created = f.clock.Now().Add(-5 * time.Minute)
	f.pendingJobs(2)
	ctx := context.Background()

	require.NoError(t, f.service.Tick(ctx))
	assert.Empty(t, f.compute.created)

	f.clock.AddTime(6 * time.Minute)
	err := f.service.Tick(ctx)
	require.Error(t, err)
	assert.True(t, csierr.IsExternal(err))
	assert.True(t, csierr.HasSubtype(err, csierr.SubtypeWorkerTemplateNotRun))
	assert.Empty(t, f.compute.created)
}

func TestMissingTemplateIsInternal(t *testing.T) {
	f := newFixture()
	f.compute.servers = f.compute.servers[1:]
	f.pendingJobs(1)

	err := f.service.Tick(context.Background())
	assert.True(t, csierr.IsInternal(err))
	assert.True(t, csierr.HasSubtype(err, csierr.SubtypeWorkerTemplate))
}

func TestSleepingWorkersAreDrainedThenDeleted(t *testing.T) {
	f := newFixture()
	for i, ip := range []string{"10.0.0.11", "10.0.0.12", "10.0.0.13"} {
		f.worker(fmt.Sprintf("worker-00%d", i+1), 2*time.Hour, ip)
	}
	f.node("n1", "10.0.0.11", nomad.NodeEligible, f.allocation(nomad.AllocComplete, 10*time.Minute))
	f.node("n2", "10.0.0.12", nomad.NodeEligible, f.allocation(nomad.AllocComplete, 10*time.Minute))
	f.node("n3", "10.0.0.13", nomad.NodeEligible, f.allocation(nomad.AllocRunning, 0))
	ctx := context.Background()

	require.NoError(t, f.service.Tick(ctx))
	assert.Equal(t, []string{"n1=false"}, f.scheduler.eligibility)
	assert.Empty(t, f.compute.deleted)

	require.NoError(t, f.service.Tick(ctx))
	assert.Empty(t, f.compute.deleted, "drained workers get time to settle")

	f.clock.AddTime(3 * time.Minute)
	require.NoError(t, f.service.Tick(ctx))
	assert.Contains(t, f.compute.deleted, "worker-001")
	assert.NotContains(t, f.compute.deleted, "worker-003")
	assert.Empty(t, f.compute.created)
}

func TestDrainedWorkerIsReenabledOnDemand(t *testing.T) {
	f := newFixture()
	f.worker("worker-001", 2*time.Hour, "10.0.0.11")
	f.node("n1", "10.0.0.11", nomad.NodeIneligible, f.allocation(nomad.AllocComplete, 10*time.Minute))
	f.pendingJobs(1)

	require.NoError(t, f.service.Tick(context.Background()))

	assert.Equal(t, []string{"n1=true"}, f.scheduler.eligibility)
	assert.Empty(t, f.compute.created)
	assert.Empty(t, f.compute.deleted)
}

func TestFreeWorkersCoverDemand(t *testing.T) {
	f := newFixture()
	f.worker("worker-001", 2*time.Hour, "10.0.0.11")
	f.node("n1", "10.0.0.11", nomad.NodeEligible)
	f.pendingJobs(1)

	require.NoError(t, f.service.Tick(context.Background()))

	assert.Empty(t, f.compute.created)
	assert.Empty(t, f.scheduler.eligibility, "workers of a flavor in demand are not drained")
}
