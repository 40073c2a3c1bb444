package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	DatabaseURL    string        `envconfig:"DATABASE_URL" default:""`
	StoreDriver    string        `envconfig:"STORE_DRIVER" default:"memory"`
	Migrate        bool          `envconfig:"MIGRATE" default:"true"`
	SeedDemo       bool          `envconfig:"SEED_DEMO" default:"false"`
	LockTimeout    time.Duration `envconfig:"LOCK_TIMEOUT" default:"2s"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5s"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`

	KafkaBrokers       string        `envconfig:"KAFKA_BROKERS" default:""`
	KafkaTopic         string        `envconfig:"KAFKA_TOPIC" default:"order-events"`
	KafkaGroupID       string        `envconfig:"KAFKA_GROUP_ID" default:"notification-service"`
	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	OutboxBatch        int           `envconfig:"OUTBOX_BATCH" default:"100"`

	OtelEndpoint string `envconfig:"OTEL_ENDPOINT" default:""` // host:port, tracing is off when empty
}

// Load reads an optional .env file and then the process environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_DRIVER=%s requires DATABASE_URL", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	return nil
}

func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
