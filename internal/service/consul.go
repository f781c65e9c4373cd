package service

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cosims/nrt-orchestrator/internal/config"
	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Registrar announces one running loop instance to a Consul agent.
type Registrar struct {
	agent  *consulapi.Agent
	id     string
	logger *zap.Logger
}

// DialConsul builds a client for the agent at address and checks that the
// agent answers before any registration is attempted.
func DialConsul(address, instanceID string, logger *zap.Logger) (*Registrar, error) {
	cc := consulapi.DefaultConfig()
	cc.Address = address
	client, err := consulapi.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("consul client for %s: %w", address, err)
	}
	agent := client.Agent()
	if _, err := agent.Self(); err != nil {
		return nil, fmt.Errorf("consul agent %s unreachable: %w", address, err)
	}
	logger = logger.With(zap.String("consul", address), zap.String("instance_id", instanceID))
	logger.Debug("Consul agent reachable")
	return &Registrar{agent: agent, id: instanceID, logger: logger}, nil
}

// Registration describes a loop instance. The health check targets the
// instance's own health route, on loopback when no host is bound.
func Registration(cfg *config.Config, instanceID string) (*consulapi.AgentServiceRegistration, error) {
	host, portStr, err := net.SplitHostPort(cfg.Port)
	if err != nil {
		host, portStr = "", strings.TrimPrefix(cfg.Port, ":")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("listen port %q: %w", cfg.Port, err)
	}

	checkHost := host
	switch checkHost {
	case "", "0.0.0.0", "::":
		checkHost = "127.0.0.1"
	}
	return &consulapi.AgentServiceRegistration{
		ID:      instanceID,
		Name:    cfg.ServiceName,
		Port:    port,
		Address: host,
		Tags:    cfg.ServiceTags,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           "http://" + net.JoinHostPort(checkHost, strconv.Itoa(port)) + cfg.HealthCheckPath,
			Interval:                       cfg.HealthCheckInterval.String(),
			Timeout:                        cfg.HealthCheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
			Notes:                          cfg.Service + " loop health",
		},
	}, nil
}

// Register announces the instance described by cfg.
func (r *Registrar) Register(cfg *config.Config) error {
	reg, err := Registration(cfg, r.id)
	if err != nil {
		return err
	}
	if err := r.agent.ServiceRegister(reg); err != nil {
		return fmt.Errorf("registering %s in consul: %w", r.id, err)
	}
	r.logger.Info("Loop registered in Consul",
		zap.String("name", reg.Name),
		zap.String("check", reg.Check.HTTP))
	return nil
}

// Deregister withdraws the instance. Failures are logged only, the agent
// drops the instance on its own once the health check goes critical.
func (r *Registrar) Deregister() {
	if err := r.agent.ServiceDeregister(r.id); err != nil {
		r.logger.Warn("Loop still registered in Consul", zap.Error(err))
		return
	}
	r.logger.Info("Loop deregistered from Consul")
}
