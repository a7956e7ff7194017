package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "lattice.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "LATTICE_PORT")
	setString(&cfg.Server.CORSOrigin, "LATTICE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "LATTICE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "LATTICE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "LATTICE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "LATTICE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "LATTICE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setStringSlice(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&cfg.Kafka.Topic, "LATTICE_KAFKA_TOPIC")
	setString(&cfg.Kafka.GroupID, "LATTICE_KAFKA_GROUP")
	setInt64(&cfg.Indexer.MaxParsing, "LATTICE_INDEXER_MAX_PARSING")
	setInt64(&cfg.Indexer.MaxIndexing, "LATTICE_INDEXER_MAX_INDEXING")
	setInt(&cfg.Indexer.FragmentSize, "LATTICE_INDEXER_FRAGMENT_SIZE")
	setDuration(&cfg.Indexer.ShutdownTimeout, "LATTICE_INDEXER_SHUTDOWN_TIMEOUT")
	setInt(&cfg.Sync.MaxParallelGroups, "LATTICE_SYNC_MAX_PARALLEL_GROUPS")
	setInt(&cfg.Sync.PageSize, "LATTICE_SYNC_PAGE_SIZE")
	setDuration(&cfg.Sync.RunTimeout, "LATTICE_SYNC_RUN_TIMEOUT")
	setString(&cfg.LLM.URL, "LATTICE_LLM_URL")
	setString(&cfg.LLM.APIKey, "LATTICE_LLM_API_KEY")
	setString(&cfg.Chat.Model, "LATTICE_CHAT_MODEL")
	setInt(&cfg.Chat.MaxIterations, "LATTICE_CHAT_MAX_ITERATIONS")
	setInt(&cfg.Chat.MaxRepeatCalls, "LATTICE_CHAT_MAX_REPEAT_CALLS")
	setInt(&cfg.Chat.MaxParallelTools, "LATTICE_CHAT_MAX_PARALLEL_TOOLS")
	setDuration(&cfg.Chat.ToolTimeout, "LATTICE_CHAT_TOOL_TIMEOUT")
	setInt(&cfg.Chat.SummaryLimit, "LATTICE_CHAT_SUMMARY_LIMIT")
	setDuration(&cfg.Tools.ResultTTL, "LATTICE_TOOLS_RESULT_TTL")
	setInt(&cfg.Tools.MaxFailures, "LATTICE_TOOLS_MAX_FAILURES")
	setDuration(&cfg.Tools.Cooldown, "LATTICE_TOOLS_COOLDOWN")
	setDuration(&cfg.OAuth.StateTTL, "LATTICE_OAUTH_STATE_TTL")
	setString(&cfg.OAuth.SealKey, "LATTICE_OAUTH_SEAL_KEY")
	setString(&cfg.Logging.Level, "LATTICE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "LATTICE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LATTICE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "LATTICE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "LATTICE_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "LATTICE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "LATTICE_RATE_BURST")
	setBool(&cfg.Otel.Enabled, "LATTICE_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setInt64(&cfg.Cache.MaxSizeMB, "LATTICE_CACHE_SIZE_MB")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if cfg.Kafka.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Indexer.MaxParsing < 1 {
		return errors.New("indexer.max_parsing must be >= 1")
	}
	if cfg.Indexer.MaxIndexing < 1 {
		return errors.New("indexer.max_indexing must be >= 1")
	}
	if cfg.Chat.MaxIterations < 1 {
		return errors.New("chat.max_iterations must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	for name, p := range cfg.Providers {
		if p.Provider == "" {
			p.Provider = name
			cfg.Providers[name] = p
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
