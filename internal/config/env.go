package config

import (
	"fmt"
	"os"
	"strings"

	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
)

// Environment variable names read at start.
const (
	EnvStoreURL            = "COSIMS_DB_HTTP_API_BASE_URL"
	EnvSIPDataBucket       = "CSI_SIP_DATA_BUCKET"
	EnvSciHubPassword      = "CSI_SCIHUB_ACCOUNT_PASSWORD"
	EnvPublicationID       = "CSI_PRODUCT_PUBLICATION_ENDPOINT_ID"
	EnvPublicationVHost    = "CSI_PRODUCT_PUBLICATION_ENDPOINT_VIRTUAL_HOST"
	EnvPublicationPassword = "CSI_PRODUCT_PUBLICATION_ENDPOINT_PASSWORD"
	EnvNomadServerIP       = "CSI_NOMAD_SERVER_IP"
	EnvHTTPAPIInstanceIP   = "CSI_HTTP_API_INSTANCE_IP"
	EnvOSUsername          = "OS_USERNAME"
	EnvOSPassword          = "OS_PASSWORD"
)

// Env carries the values of the environment variables a service needs.
type Env struct {
	StoreURL            string
	SIPDataBucket       string
	SciHubPassword      string
	PublicationID       string
	PublicationVHost    string
	PublicationPassword string
	NomadServerIP       string
	HTTPAPIInstanceIP   string
	OSUsername          string
	OSPassword          string
}

// RequiredEnv lists the variables each service refuses to start without.
var RequiredEnv = map[string][]string{
	ServiceCreation:      {EnvStoreURL, EnvSciHubPassword},
	ServiceConfiguration: {EnvStoreURL, EnvSIPDataBucket, EnvSciHubPassword},
	ServiceExecution:     {EnvStoreURL, EnvNomadServerIP},
	ServiceMonitor:       {EnvStoreURL, EnvNomadServerIP},
	ServicePublication:   {EnvStoreURL, EnvPublicationID, EnvPublicationVHost, EnvPublicationPassword},
	ServiceWorkerPool:    {EnvStoreURL, EnvNomadServerIP, EnvHTTPAPIInstanceIP, EnvOSUsername, EnvOSPassword},
}

// RequireEnv returns the values of names. An unset variable is a
// "Missing env var" internal error, a blank one an "Empty env var" error.
func RequireEnv(names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	for _, name := range names {
		value, ok := os.LookupEnv(name)
		if !ok {
			return nil, csierr.Internal(csierr.SubtypeMissingEnvVar,
				fmt.Sprintf("environment variable %s is not set", name), nil)
		}
		if strings.TrimSpace(value) == "" {
			return nil, csierr.Internal(csierr.SubtypeEmptyEnvVar,
				fmt.Sprintf("environment variable %s is empty", name), nil)
		}
		values[name] = value
	}
	return values, nil
}

// LoadEnv validates the variables service requires and reads the others
// when present.
func LoadEnv(service string) (*Env, error) {
	if _, err := RequireEnv(RequiredEnv[service]...); err != nil {
		return nil, err
	}
	return &Env{
		StoreURL:            os.Getenv(EnvStoreURL),
		SIPDataBucket:       os.Getenv(EnvSIPDataBucket),
		SciHubPassword:      os.Getenv(EnvSciHubPassword),
		PublicationID:       os.Getenv(EnvPublicationID),
		PublicationVHost:    os.Getenv(EnvPublicationVHost),
		PublicationPassword: os.Getenv(EnvPublicationPassword),
		NomadServerIP:       os.Getenv(EnvNomadServerIP),
		HTTPAPIInstanceIP:   os.Getenv(EnvHTTPAPIInstanceIP),
		OSUsername:          os.Getenv(EnvOSUsername),
		OSPassword:          os.Getenv(EnvOSPassword),
	}, nil
}

// NomadAddress returns the configured scheduler address or the default
// derived from the scheduler IP.
func (c *Config) NomadAddress(env *Env) string {
	if c.Nomad.Address != "" {
		return c.Nomad.Address
	}
	return fmt.Sprintf("http://%s:4646", env.NomadServerIP)
}
