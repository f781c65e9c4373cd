package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Service names. They key the per-service defaults and the loop_sleep_seconds
// system parameter.
const (
	ServiceCreation      = "creation"
	ServiceConfiguration = "configuration"
	ServiceExecution     = "execution"
	ServiceMonitor       = "monitor"
	ServicePublication   = "publication"
	ServiceWorkerPool    = "workerpool"
)

// Config holds the configuration of one orchestrator service.
type Config struct {
	Service     string `yaml:"service"`
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	JobLogLevel string `yaml:"job_log_level"`

	// Loop
	Sleep             time.Duration `yaml:"sleep"`
	TickTimeout       time.Duration `yaml:"tick_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ParametersRefresh time.Duration `yaml:"parameters_refresh"`
	JobTypes          []string      `yaml:"job_types"`

	// Fan-out
	DiasParallelRequests             int `yaml:"dias_parallel_requests"`
	InternalDatabaseParallelRequests int `yaml:"internal_database_parallel_requests"`
	MaxRequestedPages                int `yaml:"max_requested_pages"`

	// ProceduresDSN routes stored procedures to PostgreSQL when set.
	ProceduresDSN string `yaml:"procedures_dsn"`

	// Consul Configuration
	ConsulAddress       string        `yaml:"consul_address"`
	ServiceName         string        `yaml:"service_name"`
	ServiceIDPrefix     string        `yaml:"service_id_prefix"`
	ServiceTags         []string      `yaml:"service_tags"`
	HealthCheckPath     string        `yaml:"health_check_path"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`

	// NATS Configuration
	NatsAddress             string `yaml:"nats_address"`
	NatsStatusSubjectPrefix string `yaml:"nats_status_subject_prefix"`

	// Area of interest
	AOIWKT       string   `yaml:"aoi_wkt"`
	Tiles        []string `yaml:"tiles"`
	FusionTiles  []string `yaml:"fusion_tiles"`
	TileGridFile string   `yaml:"tile_grid_file"`

	Catalogue  CatalogueConfig  `yaml:"catalogue"`
	Hub        HubConfig        `yaml:"hub"`
	Nomad      NomadConfig      `yaml:"nomad"`
	IaaS       IaaSConfig       `yaml:"iaas"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// CatalogueConfig addresses the resto catalogues.
type CatalogueConfig struct {
	CreodiasURL    string        `yaml:"creodias_url"`
	HRSIURL        string        `yaml:"hrsi_url"`
	ManifestURL    string        `yaml:"manifest_url"`
	PageSize       int           `yaml:"page_size"`
	RateLimitWait  time.Duration `yaml:"rate_limit_wait"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HubConfig addresses the source-agency hub.
type HubConfig struct {
	URL            string        `yaml:"url"`
	Username       string        `yaml:"username"`
	MaxFilterBytes int           `yaml:"max_filter_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NomadConfig addresses the batch scheduler. Address defaults to
// http://$CSI_NOMAD_SERVER_IP:4646.
type NomadConfig struct {
	Address        string            `yaml:"address"`
	JobNames       map[string]string `yaml:"job_names"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
}

// IaaSConfig addresses the compute API.
type IaaSConfig struct {
	URL               string        `yaml:"url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// FlavorConfig describes one worker VM size.
type FlavorConfig struct {
	FlavorID string `yaml:"flavor_id"`
	VCPUs    int    `yaml:"vcpus"`
}

// WorkerPoolConfig shapes the elastic worker pool.
type WorkerPoolConfig struct {
	NamePrefix          string                  `yaml:"name_prefix"`
	TemplateInstance    string                  `yaml:"template_instance"`
	ImagePrefix         string                  `yaml:"image_prefix"`
	KeyName             string                  `yaml:"key_name"`
	InitFinishedMarker  string                  `yaml:"init_finished_marker"`
	TemplateInitTimeout time.Duration           `yaml:"template_init_timeout"`
	SleepingAfter       time.Duration           `yaml:"sleeping_after"`
	MinBatch            int                     `yaml:"min_batch"`
	MaxBatch            int                     `yaml:"max_batch"`
	Flavors             map[string]FlavorConfig `yaml:"flavors"`
	JobFlavors          map[string]string       `yaml:"job_flavors"`
}

var servicePorts = map[string]string{
	ServiceCreation:      ":8101",
	ServiceConfiguration: ":8102",
	ServiceExecution:     ":8103",
	ServiceMonitor:       ":8104",
	ServicePublication:   ":8105",
	ServiceWorkerPool:    ":8106",
}

var serviceSleeps = map[string]time.Duration{
	ServiceCreation:      60 * time.Second,
	ServiceConfiguration: 30 * time.Second,
	ServiceExecution:     30 * time.Second,
	ServiceMonitor:       60 * time.Second,
	ServicePublication:   30 * time.Second,
	ServiceWorkerPool:    10 * time.Second,
}

// Default returns the configuration written when a service file is missing.
func Default(service string) *Config {
	port, ok := servicePorts[service]
	if !ok {
		port = ":8100"
	}
	sleep, ok := serviceSleeps[service]
	if !ok {
		sleep = 60 * time.Second
	}
	return &Config{
		Service:     service,
		Port:        port,
		LogLevel:    "info",
		JobLogLevel: "INFO",

		Sleep:             sleep,
		TickTimeout:       30 * time.Minute,
		RequestTimeout:    30 * time.Second,
		ParametersRefresh: 60 * time.Second,

		DiasParallelRequests:             4,
		InternalDatabaseParallelRequests: 4,
		MaxRequestedPages:                50,

		ConsulAddress:       "",
		ServiceName:         "nrt-" + service,
		ServiceIDPrefix:     "nrt-" + service + "-",
		ServiceTags:         []string{"cosims", "nrt", service},
		HealthCheckPath:     "/health",
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  2 * time.Second,

		NatsAddress:             "",
		NatsStatusSubjectPrefix: "jobs.status",

		TileGridFile: "configs/tiles.geojson",

		Catalogue: CatalogueConfig{
			CreodiasURL:    "https://finder.creodias.eu",
			HRSIURL:        "https://cryo.land.copernicus.eu",
			ManifestURL:    "https://finder.creodias.eu/files",
			PageSize:       200,
			RateLimitWait:  60 * time.Second,
			RequestTimeout: 60 * time.Second,
		},
		Hub: HubConfig{
			URL:            "https://scihub.copernicus.eu/dhus",
			Username:       "cosims",
			MaxFilterBytes: 1024,
			RequestTimeout: 60 * time.Second,
		},
		Nomad: NomadConfig{
			JobNames: map[string]string{
				"fsc_rlie":  "fsc-rlie-job",
				"sws_wds":   "sws-wds-job",
				"rlie_s1":   "rlie-s1-job",
				"rlie_s1s2": "rlie-s1s2-job",
				"gfsc":      "gfsc-job",
				"test":      "test-job",
			},
			RequestTimeout: 30 * time.Second,
		},
		IaaS: IaaSConfig{
			RequestsPerSecond: 2,
			Burst:             4,
			RequestTimeout:    60 * time.Second,
		},
		WorkerPool: WorkerPoolConfig{
			NamePrefix:          "worker-",
			TemplateInstance:    "nrt-worker-template",
			ImagePrefix:         "nrt-worker-image-",
			InitFinishedMarker:  "init finished",
			TemplateInitTimeout: 10 * time.Minute,
			SleepingAfter:       2 * time.Minute,
			MinBatch:            3,
			MaxBatch:            10,
			Flavors: map[string]FlavorConfig{
				"medium": {FlavorID: "eo2.large", VCPUs: 4},
				"large":  {FlavorID: "eo2.xlarge", VCPUs: 8},
			},
			JobFlavors: map[string]string{
				"fsc-rlie-job":  "large",
				"sws-wds-job":   "medium",
				"rlie-s1-job":   "medium",
				"rlie-s1s2-job": "medium",
				"gfsc-job":      "medium",
				"test-job":      "medium",
			},
		},
	}
}

// Load reads the configuration of service from the given YAML file path.
// It creates a default config file if it doesn't exist.
func Load(path, service string) (*Config, error) {
	defaultConfig := Default(service)

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaultConfig)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		return defaultConfig, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaultConfig)

	return &cfg, nil
}

func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.Service == "" {
		cfg.Service = defaults.Service
	}
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.JobLogLevel == "" {
		cfg.JobLogLevel = defaults.JobLogLevel
	}
	if cfg.Sleep == 0 {
		cfg.Sleep = defaults.Sleep
	}
	if cfg.TickTimeout == 0 {
		cfg.TickTimeout = defaults.TickTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ParametersRefresh == 0 {
		cfg.ParametersRefresh = defaults.ParametersRefresh
	}
	if cfg.DiasParallelRequests <= 0 {
		cfg.DiasParallelRequests = defaults.DiasParallelRequests
	}
	if cfg.InternalDatabaseParallelRequests <= 0 {
		cfg.InternalDatabaseParallelRequests = defaults.InternalDatabaseParallelRequests
	}
	if cfg.MaxRequestedPages <= 0 {
		cfg.MaxRequestedPages = defaults.MaxRequestedPages
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaults.ServiceName
	}
	if cfg.ServiceIDPrefix == "" {
		cfg.ServiceIDPrefix = defaults.ServiceIDPrefix
	}
	if len(cfg.ServiceTags) == 0 {
		cfg.ServiceTags = defaults.ServiceTags
	}
	if cfg.HealthCheckPath == "" {
		cfg.HealthCheckPath = defaults.HealthCheckPath
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = defaults.HealthCheckTimeout
	}
	if cfg.NatsStatusSubjectPrefix == "" {
		cfg.NatsStatusSubjectPrefix = defaults.NatsStatusSubjectPrefix
	}
	if cfg.TileGridFile == "" {
		cfg.TileGridFile = defaults.TileGridFile
	}

	if cfg.Catalogue.CreodiasURL == "" {
		cfg.Catalogue.CreodiasURL = defaults.Catalogue.CreodiasURL
	}
	if cfg.Catalogue.HRSIURL == "" {
		cfg.Catalogue.HRSIURL = defaults.Catalogue.HRSIURL
	}
	if cfg.Catalogue.ManifestURL == "" {
		cfg.Catalogue.ManifestURL = defaults.Catalogue.ManifestURL
	}
	if cfg.Catalogue.PageSize <= 0 {
		cfg.Catalogue.PageSize = defaults.Catalogue.PageSize
	}
	if cfg.Catalogue.RateLimitWait == 0 {
		cfg.Catalogue.RateLimitWait = defaults.Catalogue.RateLimitWait
	}
	if cfg.Catalogue.RequestTimeout == 0 {
		cfg.Catalogue.RequestTimeout = defaults.Catalogue.RequestTimeout
	}

	if cfg.Hub.URL == "" {
		cfg.Hub.URL = defaults.Hub.URL
	}
	if cfg.Hub.Username == "" {
		cfg.Hub.Username = defaults.Hub.Username
	}
	if cfg.Hub.MaxFilterBytes <= 0 {
		cfg.Hub.MaxFilterBytes = defaults.Hub.MaxFilterBytes
	}
	if cfg.Hub.RequestTimeout == 0 {
		cfg.Hub.RequestTimeout = defaults.Hub.RequestTimeout
	}

	if len(cfg.Nomad.JobNames) == 0 {
		cfg.Nomad.JobNames = defaults.Nomad.JobNames
	}
	if cfg.Nomad.RequestTimeout == 0 {
		cfg.Nomad.RequestTimeout = defaults.Nomad.RequestTimeout
	}

	if cfg.IaaS.RequestsPerSecond <= 0 {
		cfg.IaaS.RequestsPerSecond = defaults.IaaS.RequestsPerSecond
	}
	if cfg.IaaS.Burst <= 0 {
		cfg.IaaS.Burst = defaults.IaaS.Burst
	}
	if cfg.IaaS.RequestTimeout == 0 {
		cfg.IaaS.RequestTimeout = defaults.IaaS.RequestTimeout
	}

	wp, dwp := &cfg.WorkerPool, defaults.WorkerPool
	if wp.NamePrefix == "" {
		wp.NamePrefix = dwp.NamePrefix
	}
	if wp.TemplateInstance == "" {
		wp.TemplateInstance = dwp.TemplateInstance
	}
	if wp.ImagePrefix == "" {
		wp.ImagePrefix = dwp.ImagePrefix
	}
	if wp.InitFinishedMarker == "" {
		wp.InitFinishedMarker = dwp.InitFinishedMarker
	}
	if wp.TemplateInitTimeout == 0 {
		wp.TemplateInitTimeout = dwp.TemplateInitTimeout
	}
	if wp.SleepingAfter == 0 {
		wp.SleepingAfter = dwp.SleepingAfter
	}
	if wp.MinBatch <= 0 {
		wp.MinBatch = dwp.MinBatch
	}
	if wp.MaxBatch <= 0 {
		wp.MaxBatch = dwp.MaxBatch
	}
	if len(wp.Flavors) == 0 {
		wp.Flavors = dwp.Flavors
	}
	if len(wp.JobFlavors) == 0 {
		wp.JobFlavors = dwp.JobFlavors
	}
}

// GenerateServiceID returns a unique Consul service id.
func GenerateServiceID(prefix string) string {
	return prefix + uuid.New().String()
}
