package iaas_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cosims/nrt-orchestrator/internal/iaas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(url string) *iaas.Client {
	return iaas.NewClient(url, iaas.Options{
		Username: "os-user",
		Password: "os-pass",
		Timeout:  time.Second,
	})
}

func TestListAndFindServers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "os-user", user)
		assert.Equal(t, "os-pass", pass)
		assert.Equal(t, "/servers", r.URL.Path)
		name := r.URL.Query().Get("name")
		servers := `[{"id":"1","name":"worker-001","addresses":["10.0.0.4"]},{"id":"2","name":"nrt-worker-template"}]`
		if name == "nrt-worker-template" {
			servers = `[{"id":"2","name":"nrt-worker-template","networks":["private"],"security_groups":["default"]}]`
		}
		w.Write([]byte(`{"servers":` + servers + `}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	servers, err := c.ListServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "10.0.0.4", servers[0].PrivateIP())
	assert.Empty(t, servers[1].PrivateIP())

	tpl, err := c.FindServer(context.Background(), "nrt-worker-template")
	require.NoError(t, err)
	assert.Equal(t, []string{"private"}, tpl.Networks)

	_, err = c.FindServer(context.Background(), "absent")
	assert.ErrorIs(t, err, iaas.ErrNotFound)
}

func TestCreateServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body struct {
			Server iaas.CreateServerRequest `json:"server"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "worker-001", body.Server.Name)
		assert.Equal(t, "eo2.large", body.Server.FlavorID)
		w.Write([]byte(`{"server":{"id":"abc","name":"worker-001","status":"BUILD"}}`))
	}))
	defer srv.Close()

	server, err := newClient(srv.URL).CreateServer(context.Background(), iaas.CreateServerRequest{
		Name:     "worker-001",
		ImageID:  "img",
		FlavorID: "eo2.large",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", server.ID)
}

func TestDeleteServersAggregatesFailures(t *testing.T) {
	var mu sync.Mutex
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/servers/")
		switch id {
		case "bad1", "bad2":
			w.WriteHeader(http.StatusConflict)
		case "gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			mu.Lock()
			deleted = append(deleted, id)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	err := newClient(srv.URL).DeleteServers(context.Background(), []string{"a", "bad1", "gone", "bad2", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad1")
	assert.Contains(t, err.Error(), "bad2")
	assert.ErrorIs(t, err, iaas.ErrStatus)
	assert.Equal(t, []string{"a", "b"}, deleted)
}

func TestListImagesFiltersAndSorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"images":[
			{"id":"1","name":"nrt-worker-image-1","created_at":"2021-01-01T00:00:00Z"},
			{"id":"2","name":"other","created_at":"2021-03-01T00:00:00Z"},
			{"id":"3","name":"nrt-worker-image-2","created_at":"2021-02-01T00:00:00Z"}]}`))
	}))
	defer srv.Close()

	images, err := newClient(srv.URL).ListImages(context.Background(), "nrt-worker-image-")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "3", images[0].ID)
	assert.Equal(t, "1", images[1].ID)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"servers":[]}`))
	}))
	defer srv.Close()

	c := iaas.NewClient(srv.URL, iaas.Options{RequestsPerSecond: 0.001, Burst: 1, Timeout: time.Second})
	_, err := c.ListServers(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ListServers(ctx)
	assert.ErrorIs(t, err, iaas.ErrTimeout)
}
