package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/gateway/ovs"
	"github.com/openfroyo/flowkeeper/pkg/stores"
	"github.com/openfroyo/flowkeeper/pkg/telemetry"
	"github.com/openfroyo/flowkeeper/pkg/topology"
	"github.com/openfroyo/flowkeeper/pkg/transports/ssh"
)

// Gateway kinds.
const (
	GatewayMemory = "memory"
	GatewayOVS    = "ovs"
)

// Environment variables that override the file.
const (
	EnvStorePath = "FLOWKEEPER_STORE_PATH"
	EnvLogLevel  = "FLOWKEEPER_LOG_LEVEL"
)

// Config is the complete flowkeeper configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Engine    EngineConfig     `yaml:"engine"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Topology  topology.Spec    `yaml:"topology"`
	Intents   IntentsConfig    `yaml:"intents"`
	Telemetry telemetry.Config `yaml:"telemetry" validate:"-"`
}

// StoreConfig configures the SQLite flow store.
type StoreConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// EngineConfig configures reconciliation.
type EngineConfig struct {
	// Workers bounds parallel device I/O in the executor and flow manager.
	Workers int `yaml:"workers" validate:"gte=1"`

	// SweepInterval is the period of full sweeps. Zero disables the timer.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`

	// SweepWorkers bounds how many devices a sweep reconciles in parallel.
	SweepWorkers int `yaml:"sweep_workers" validate:"gte=1"`

	Retry engine.RetryPolicy `yaml:"retry"`
}

// GatewayConfig selects and configures the switch gateway.
type GatewayConfig struct {
	Kind string `yaml:"kind" validate:"required,oneof=memory ovs"`

	OVS ovs.Config `yaml:"ovs"`

	// Bridges maps devices to OVS bridges. Used when Kind is ovs.
	Bridges []BridgeConfig `yaml:"bridges" validate:"dive"`

	// EventBuffer sizes the simulated fabric's event channel.
	EventBuffer int `yaml:"event_buffer" validate:"gte=0"`
}

// BridgeConfig binds a device to a bridge reached locally or over SSH.
type BridgeConfig struct {
	Device string `yaml:"device" validate:"required"`
	Bridge string `yaml:"bridge" validate:"required"`

	// Local runs ovs-ofctl on this host; otherwise SSH must be set.
	Local bool `yaml:"local"`
	Sudo  bool `yaml:"sudo"`

	SSH *ssh.Config `yaml:"ssh"`
}

// IntentsConfig configures the intent directory watcher.
type IntentsConfig struct {
	// Dir is watched for intent files. Empty disables the watcher.
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// Default returns the default configuration: a local store and the
// simulated fabric.
func Default() *Config {
	retry := engine.DefaultRetryPolicy()
	return &Config{
		Store: StoreConfig{
			Path:        "flowkeeper.db",
			BusyTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			Workers:       10,
			SweepInterval: 30 * time.Second,
			SweepWorkers:  8,
			Retry:         retry,
		},
		Gateway: GatewayConfig{
			Kind:        GatewayMemory,
			OVS:         ovs.DefaultConfig(),
			EventBuffer: 256,
		},
		Intents: IntentsConfig{
			Debounce: 500 * time.Millisecond,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

var validate = validator.New()

// Load reads a configuration file on top of the defaults. Files ending in
// .cue are evaluated as CUE; anything else is read as YAML. Environment
// overrides are applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".cue") {
		data, err = evaluateCUE(path, data)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML (or JSON) on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvStorePath); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks the struct tags, then the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	if _, err := topology.NewStatic(c.Topology); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}

	if c.Gateway.Kind == GatewayOVS {
		if len(c.Gateway.Bridges) == 0 {
			return fmt.Errorf("ovs gateway needs at least one bridge")
		}

		seen := make(map[string]bool)
		for _, b := range c.Gateway.Bridges {
			if seen[b.Device] {
				return fmt.Errorf("device %s is bound to more than one bridge", b.Device)
			}
			seen[b.Device] = true

			if !b.Local && b.SSH == nil {
				return fmt.Errorf("bridge %s: either local or ssh must be set", b.Device)
			}
			if b.Local && b.SSH != nil {
				return fmt.Errorf("bridge %s: local and ssh are exclusive", b.Device)
			}
		}
	}

	return nil
}

// StoreOptions converts the store section for stores.NewSQLiteStore.
func (c *Config) StoreOptions() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		BusyTimeout:     c.Store.BusyTimeout,
	}
}

// SweepOptions converts the engine section for engine.NewSweep.
func (c *Config) SweepOptions() engine.SweepConfig {
	return engine.SweepConfig{
		Interval: c.Engine.SweepInterval,
		Workers:  c.Engine.SweepWorkers,
	}
}

// Devices lists every device the configuration names, from the topology and
// the bridge bindings, without duplicates.
func (c *Config) Devices() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, d := range c.Topology.Devices {
		add(d.ID)
	}
	for _, b := range c.Gateway.Bridges {
		add(b.Device)
	}
	return ids
}
