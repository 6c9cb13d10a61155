package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CAULDRON_BROKER_KIND.
const EnvPrefix = "CAULDRON"

// AppConfig holds all application configuration
type AppConfig struct {
	Broker       BrokerConfig       `mapstructure:"broker"`
	Hub          HubConfig          `mapstructure:"hub"`
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`

	// HITLSweepInterval enables expiry of pending HITL requests when > 0.
	HITLSweepInterval time.Duration `mapstructure:"hitl_sweep_interval"`

	// Health Check Ports
	HealthPort      string `mapstructure:"health_port"`
	HubHealthPort   string `mapstructure:"hub_health_port"`
	AgentHealthPort string `mapstructure:"agent_health_port"`

	// Observability Configuration
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`
	LogLevel       string `mapstructure:"log_level"`
}

type BrokerConfig struct {
	Kind          string        `mapstructure:"kind"`
	GRPCAddr      string        `mapstructure:"grpc_addr"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

type HubConfig struct {
	Addr        string        `mapstructure:"addr"`
	BufferSize  int           `mapstructure:"buffer_size"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	HistorySize int           `mapstructure:"history_size"`
}

type StoreConfig struct {
	// Path of the SQLite database. Persistence is disabled when empty.
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queue_size"`
}

type OrchestratorConfig struct {
	SystemID  string `mapstructure:"system_id"`
	DedupSize int    `mapstructure:"dedup_size"`
}

// Load reads defaults, then cauldron.yaml (the given file, or ./cauldron.yaml
// and $XDG_CONFIG_HOME/cauldron/cauldron.yaml when configFile is empty), then
// CAULDRON_* environment variables.
func Load(configFile string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("cauldron")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(userConfigDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that no component could run with. An unreachable
// broker is not a validation error: the broker factory downgrades instead.
func (c *AppConfig) Validate() error {
	switch c.Broker.Kind {
	case "memory", "grpc", "postgres":
	default:
		return fmt.Errorf("config: unknown broker kind %q", c.Broker.Kind)
	}
	if c.HITLSweepInterval < 0 {
		return fmt.Errorf("config: negative hitl_sweep_interval %s", c.HITLSweepInterval)
	}
	if c.Orchestrator.DedupSize <= 0 {
		return fmt.Errorf("config: dedup_size must be positive, got %d", c.Orchestrator.DedupSize)
	}
	return nil
}

// GetHealthPort returns the health port for a given service type
func (c *AppConfig) GetHealthPort(serviceType string) string {
	switch serviceType {
	case "hub":
		return c.HubHealthPort
	case "agent":
		return c.AgentHealthPort
	default:
		return c.HealthPort
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.kind", "memory")
	v.SetDefault("broker.grpc_addr", "localhost:50051")
	v.SetDefault("broker.postgres_dsn", "")
	v.SetDefault("broker.consumer_group", "cauldron")
	v.SetDefault("broker.dial_timeout", "5s")
	v.SetDefault("broker.poll_interval", "1s")

	v.SetDefault("hub.addr", ":50051")
	v.SetDefault("hub.buffer_size", 256)
	v.SetDefault("hub.send_timeout", "5s")
	v.SetDefault("hub.history_size", 1000)

	v.SetDefault("store.path", "")
	v.SetDefault("store.queue_size", 1024)

	v.SetDefault("orchestrator.system_id", "orchestrator")
	v.SetDefault("orchestrator.dedup_size", 10000)

	v.SetDefault("hitl_sweep_interval", "0s")

	v.SetDefault("health_port", "8080")
	v.SetDefault("hub_health_port", "8081")
	v.SetDefault("agent_health_port", "8082")

	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("service_name", "cauldron")
	v.SetDefault("service_version", "1.0.0")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "INFO")
}

func userConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cauldron")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "cauldron")
	}
	return filepath.Join(home, ".config", "cauldron")
}
