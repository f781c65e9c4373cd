package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cosims/nrt-orchestrator/internal/config"
	"github.com/cosims/nrt-orchestrator/internal/metrics"
	"github.com/cosims/nrt-orchestrator/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthReportsFailingDependency(t *testing.T) {
	cfg := config.Default(config.ServiceMonitor)
	checks := map[string]service.HealthCheck{
		"store": func(context.Context) error { return nil },
		"nats":  func(context.Context) error { return errors.New("NATS connection is down") },
	}
	router := service.NewRouter(cfg, prometheus.NewRegistry(), checks, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "ok", report["store"])
	assert.Equal(t, "NATS connection is down", report["nats"])
	assert.Equal(t, "monitor", report["service"])
}

func TestHealthOK(t *testing.T) {
	cfg := config.Default(config.ServiceCreation)
	router := service.NewRouter(cfg, prometheus.NewRegistry(), nil, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.LoopTicks.WithLabelValues("creation", "ok").Inc()
	router := service.NewRouter(config.Default(config.ServiceCreation), reg, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `orchestrator_loop_ticks_total{outcome="ok",service="creation"} 1`)
}

func TestRegistration(t *testing.T) {
	cfg := config.Default(config.ServiceExecution)
	reg, err := service.Registration(cfg, "nrt-execution-1")
	require.NoError(t, err)
	assert.Equal(t, 8103, reg.Port)
	assert.Empty(t, reg.Address)
	assert.Equal(t, "http://127.0.0.1:8103/health", reg.Check.HTTP)
	assert.Equal(t, "nrt-execution", reg.Name)

	cfg.Port = "10.0.0.4:9000"
	reg, err = service.Registration(cfg, "nrt-execution-1")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.4:9000/health", reg.Check.HTTP)

	cfg.Port = ":http"
	_, err = service.Registration(cfg, "nrt-execution-1")
	assert.Error(t, err)
}

type fakeAgent struct {
	mu         sync.Mutex
	registered map[string]map[string]interface{}
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/v1/agent/self":
		_, _ = w.Write([]byte(`{"Config": {"NodeName": "node-1"}}`))
	case r.URL.Path == "/v1/agent/service/register":
		var reg map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.registered[reg["ID"].(string)] = reg
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		delete(f.registered, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestRegistrarAnnouncesAndWithdrawsLoop(t *testing.T) {
	agent := &fakeAgent{registered: map[string]map[string]interface{}{}}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	cfg := config.Default(config.ServiceMonitor)
	r, err := service.DialConsul(strings.TrimPrefix(srv.URL, "http://"), "nrt-monitor-1", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Register(cfg))

	agent.mu.Lock()
	reg, ok := agent.registered["nrt-monitor-1"]
	agent.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, cfg.ServiceName, reg["Name"])

	r.Deregister()
	agent.mu.Lock()
	assert.Empty(t, agent.registered)
	agent.mu.Unlock()
}

func TestDialConsulFailsWithoutAgent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := service.DialConsul(addr, "nrt-monitor-1", zap.NewNop())
	assert.Error(t, err)
}
