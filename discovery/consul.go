// Package discovery resolves and publishes node addresses through Consul.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/octopus/log"
)

// ErrNoInstance is returned when a service has no healthy instance.
var ErrNoInstance = errors.New("no healthy instance")

// ConsulCfg configures the Consul agent connection.
type ConsulCfg struct {
	Address    string `mapstructure:"address"`
	Scheme     string `mapstructure:"scheme"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`
	// CheckInterval enables a TCP health check on registered stream
	// servers. Zero registers without a check.
	CheckInterval time.Duration `mapstructure:"checkInterval"`
	// DeregisterAfter removes instances whose check stayed critical that
	// long.
	DeregisterAfter time.Duration `mapstructure:"deregisterAfter"`
}

// GetName implements config.Config.
func (c *ConsulCfg) GetName() string {
	return "discovery"
}

// Validate implements config.Config.
func (c *ConsulCfg) Validate() error {
	if c.Scheme != "" && c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("invalid consul scheme %q", c.Scheme)
	}
	if c.CheckInterval < 0 || c.DeregisterAfter < 0 {
		return errors.New("consul durations must not be negative")
	}
	return nil
}

// ConsulResolver implements net.Resolver on the Consul catalog.
type ConsulResolver struct {
	client *api.Client
	cfg    ConsulCfg
	logger *log.GameLogger
	next   atomic.Uint64
}

// NewConsulResolver connects to the agent of cfg. Empty fields fall back to
// the consul defaults and CONSUL_* environment variables.
func NewConsulResolver(cfg *ConsulCfg, logger *log.GameLogger) (*ConsulResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	ac := api.DefaultConfig()
	if cfg.Address != "" {
		ac.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		ac.Scheme = cfg.Scheme
	}
	if cfg.Datacenter != "" {
		ac.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		ac.Token = cfg.Token
	}
	client, err := api.NewClient(ac)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulResolver{client: client, cfg: *cfg, logger: logger}, nil
}

// Resolve returns a passing instance of service, rotating over the
// instances on successive calls.
func (r *ConsulResolver) Resolve(ctx context.Context, service string) (string, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(service, "", true, q)
	if err != nil {
		return "", fmt.Errorf("consul health %s: %w", service, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstance, service)
	}

	e := entries[r.next.Add(1)%uint64(len(entries))]
	host := e.Service.Address
	if host == "" && e.Node != nil {
		host = e.Node.Address
	}
	addr := net.JoinHostPort(host, strconv.Itoa(e.Service.Port))
	r.logger.Debug().Str("service", service).Str("addr", addr).Int("instances", len(entries)).Msg("service resolved")
	return addr, nil
}

// Register publishes addr under service with instance id. Unspecified
// listen hosts are left to the agent, which advertises the node address.
func (r *ConsulResolver) Register(ctx context.Context, service, id string, addr net.Addr) error {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("register %s: port %q: %w", id, portStr, err)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = ""
	}

	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    service,
		Address: host,
		Port:    port,
		Meta:    map[string]string{"network": addr.Network()},
	}
	if r.cfg.CheckInterval > 0 && addr.Network() == "tcp" {
		target := addr.String()
		if host == "" {
			target = net.JoinHostPort("127.0.0.1", portStr)
		}
		reg.Check = &api.AgentServiceCheck{
			TCP:      target,
			Interval: r.cfg.CheckInterval.String(),
			Timeout:  (r.cfg.CheckInterval / 2).String(),
		}
		if r.cfg.DeregisterAfter > 0 {
			reg.Check.DeregisterCriticalServiceAfter = r.cfg.DeregisterAfter.String()
		}
	}

	if err := r.client.Agent().ServiceRegisterOpts(reg, api.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		return fmt.Errorf("consul register %s: %w", id, err)
	}
	r.logger.Info().Str("service", service).Str("id", id).Str("addr", addr.String()).Msg("service registered")
	return nil
}

// Deregister removes instance id.
func (r *ConsulResolver) Deregister(ctx context.Context, id string) error {
	q := (&api.QueryOptions{}).WithContext(ctx)
	if err := r.client.Agent().ServiceDeregisterOpts(id, q); err != nil {
		return fmt.Errorf("consul deregister %s: %w", id, err)
	}
	r.logger.Info().Str("id", id).Msg("service deregistered")
	return nil
}
