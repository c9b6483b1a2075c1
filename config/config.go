// Package config loads the YAML configuration shared by the admin and
// executor binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/xiaonanln/pulsejob/admin"
	"github.com/xiaonanln/pulsejob/cluster/dispatch"
	"github.com/xiaonanln/pulsejob/cluster/invoker"
	"github.com/xiaonanln/pulsejob/cluster/loadbalance"
	"github.com/xiaonanln/pulsejob/executor"
	"github.com/xiaonanln/pulsejob/serializer"
	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/postgres"
	"gopkg.in/yaml.v3"
)

// AdminConfig holds the admin server settings
type AdminConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	AdvertiseAddr  string        `yaml:"advertise_addr"` // Published in etcd; defaults to the bound listen address
	GRPCAddr       string        `yaml:"grpc_addr"`      // Optional: gRPC health service
	MetricsAddr    string        `yaml:"metrics_addr"`   // Optional: Prometheus /metrics
	MaxBodySize    int           `yaml:"max_body_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxConnections int           `yaml:"max_connections"`

	Balancer       string        `yaml:"balancer"` // round_robin, random, consistent_hash, least_active
	Strategy       string        `yaml:"strategy"` // fail_fast, fail_over, fail_safe
	Retries        int           `yaml:"retries"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	Serializer     string        `yaml:"serializer"` // protobuf, msgpack, gob, json
	Broadcast      string        `yaml:"broadcast"`  // all_connections or one_per_group
	LossInterval   time.Duration `yaml:"loss_interval"`

	Workers     int     `yaml:"workers"`
	WorkerQueue int     `yaml:"worker_queue"`
	RateLimit   float64 `yaml:"rate_limit"`
	RateBurst   int     `yaml:"rate_burst"`
}

// ExecutorConfig holds the executor client settings
type ExecutorConfig struct {
	Name              string        `yaml:"name"`
	Address           string        `yaml:"address"`
	Admins            []string      `yaml:"admins"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	PoolSize          int           `yaml:"pool_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BackoffUnit       time.Duration `yaml:"backoff_unit"`
	Serializer        string        `yaml:"serializer"`
	MaxBodySize       int           `yaml:"max_body_size"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	Workers           int           `yaml:"workers"`
	WorkerQueue       int           `yaml:"worker_queue"`
}

// EtcdConfig holds etcd-specific configuration
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// NATSConfig holds the notification bus configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the root configuration structure
type Config struct {
	Version      int              `yaml:"version"`
	Admin        AdminConfig      `yaml:"admin"`
	Executor     ExecutorConfig   `yaml:"executor"`
	Etcd         EtcdConfig       `yaml:"etcd"`
	Postgres     *postgres.Config `yaml:"postgres"` // Optional: nil keeps executor addresses in memory
	NATS         NATSConfig       `yaml:"nats"`
	Logging      LoggingConfig    `yaml:"logging"`
	TriggerRules []TriggerRule    `yaml:"trigger_rules"` // Optional: restricts which handlers may be triggered
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if _, err := c.AdminOptions(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if _, err := serializer.ParseCode(c.Executor.Serializer); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.Prefix == "" {
		return fmt.Errorf("etcd prefix is required when endpoints are set")
	}
	if c.Postgres != nil {
		if err := c.Postgres.Validate(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if _, err := c.NewAccessValidator(); err != nil {
		return err
	}
	return nil
}

// ParseBroadcastMode resolves a configured broadcast mode; empty selects all connections.
func ParseBroadcastMode(s string) (dispatch.BroadcastMode, error) {
	switch s {
	case "", "all_connections":
		return dispatch.AllConnections, nil
	case "one_per_group":
		return dispatch.OnePerGroup, nil
	}
	return 0, fmt.Errorf("unknown broadcast mode %q", s)
}

// AdminOptions converts the admin section into admin.Config.
func (c *Config) AdminOptions() (admin.Config, error) {
	a := c.Admin
	balancer, err := loadbalance.ParseType(a.Balancer)
	if err != nil {
		return admin.Config{}, err
	}
	strategy, err := invoker.ParseStrategy(a.Strategy)
	if err != nil {
		return admin.Config{}, err
	}
	code, err := serializer.ParseCode(a.Serializer)
	if err != nil {
		return admin.Config{}, err
	}
	mode, err := ParseBroadcastMode(a.Broadcast)
	if err != nil {
		return admin.Config{}, err
	}
	if a.Retries < 0 {
		return admin.Config{}, fmt.Errorf("retries must not be negative")
	}
	return admin.Config{
		ListenAddress:    a.ListenAddr,
		AdvertiseAddress: a.AdvertiseAddr,
		GRPCAddress:      a.GRPCAddr,
		MaxBodySize:      a.MaxBodySize,
		IdleTimeout:      a.IdleTimeout,
		MaxConnections:   a.MaxConnections,
		Balancer:         balancer,
		Strategy:         strategy,
		Retries:          a.Retries,
		DefaultTimeout:   a.DefaultTimeout,
		Serializer:       code,
		BroadcastMode:    mode,
		LossInterval:     a.LossInterval,
		Workers:          a.Workers,
		WorkerQueue:      a.WorkerQueue,
		RateLimit:        a.RateLimit,
		RateBurst:        a.RateBurst,
	}, nil
}

// ExecutorOptions converts the executor section into executor.Config.
func (c *Config) ExecutorOptions() (executor.Config, error) {
	e := c.Executor
	code, err := serializer.ParseCode(e.Serializer)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Name:              e.Name,
		Address:           e.Address,
		Admins:            e.Admins,
		PoolSize:          e.PoolSize,
		HeartbeatInterval: e.HeartbeatInterval,
		BackoffUnit:       e.BackoffUnit,
		Serializer:        code,
		MaxBodySize:       e.MaxBodySize,
		IdleTimeout:       e.IdleTimeout,
		Workers:           e.Workers,
		WorkerQueue:       e.WorkerQueue,
	}, nil
}

// LogLevel returns the configured level, INFO when unset.
func (c *Config) LogLevel() logger.LogLevel {
	level, _ := logger.ParseLevel(c.Logging.Level)
	return level
}

// GetEtcdAddress returns the first etcd endpoint address
func (c *Config) GetEtcdAddress() string {
	if len(c.Etcd.Endpoints) > 0 {
		return c.Etcd.Endpoints[0]
	}
	return ""
}

// GetEtcdPrefix returns the etcd prefix
func (c *Config) GetEtcdPrefix() string {
	return c.Etcd.Prefix
}

// NewAccessValidator creates an AccessValidator from the config's trigger rules.
// Returns nil if no trigger rules are configured.
func (c *Config) NewAccessValidator() (*AccessValidator, error) {
	if len(c.TriggerRules) == 0 {
		return nil, nil
	}
	return NewAccessValidator(c.TriggerRules)
}
