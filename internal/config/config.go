package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Role string

const (
	RoleIngest Role = "ingest-api"
	RoleWorker Role = "aggregation-worker"
)

type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	DBDriver   string
	SQLitePath string
	Postgres   DBConfig
	Tables     TableConfig

	Redis  RedisConfig
	Queue  QueueConfig
	Raw    RawConfig
	Worker WorkerConfig
	MQTT   MQTTConfig
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type TableConfig struct {
	Aggregates string
	Dedup      string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	Stream              string
	Group               string
	Consumer            string
	DeadLetterStream    string
	VisibilityTimeout   time.Duration
	MaxAttempts         int64
	PollWait            time.Duration
	DeadLetterRetention time.Duration
}

type RawConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
	Bucket    string
	Prefix    string
}

type WorkerConfig struct {
	BatchSize      int
	Concurrency    int
	DedupRetention time.Duration
	MetricsPort    string
}

type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Insecure    bool
	Retained    bool
}

var defaults = map[string]any{
	"port":       "8080",
	"log_level":  "info",
	"log_format": "text",

	"db_driver":        "postgres",
	"sqlite_path":      "aggregates.db",
	"postgres_sslmode": "disable",
	"aggregate_table":  "aggregates",
	"dedup_table":      "processed_events",

	"redis_addr": "localhost:6379",
	"redis_db":   0,

	"queue_stream":                "device-events",
	"queue_group":                 "aggregators",
	"queue_visibility_timeout":    "60s",
	"queue_max_attempts":          3,
	"queue_poll_wait":             "2s",
	"queue_dead_letter_retention": "24h",

	"raw_bucket": "device-events-raw",
	"raw_prefix": "raw",

	"worker_batch_size":   10,
	"worker_concurrency":  1,
	"dedup_retention":     "168h",
	"worker_metrics_port": "9090",

	"mqtt_client_id":    "device-pipeline-ingest",
	"mqtt_topic_prefix": "devices/events/",
}

// Load reads configuration from the environment, optionally layered over
// the YAML file named by CONFIG_FILE. Keys are the lower-cased env names.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Port:       str(v, "port"),
		LogLevel:   str(v, "log_level"),
		LogFormat:  str(v, "log_format"),
		DBDriver:   strings.ToLower(str(v, "db_driver")),
		SQLitePath: str(v, "sqlite_path"),
		Postgres: DBConfig{
			User:     str(v, "postgres_user"),
			Password: v.GetString("postgres_password"),
			DBName:   str(v, "postgres_db"),
			Host:     str(v, "postgres_host"),
			Port:     str(v, "postgres_port"),
			SSLMode:  str(v, "postgres_sslmode"),
		},
		Tables: TableConfig{
			Aggregates: str(v, "aggregate_table"),
			Dedup:      str(v, "dedup_table"),
		},
		Redis: RedisConfig{
			Addr:     str(v, "redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		Queue: QueueConfig{
			Stream:              str(v, "queue_stream"),
			Group:               str(v, "queue_group"),
			Consumer:            str(v, "queue_consumer"),
			DeadLetterStream:    str(v, "queue_dead_letter_stream"),
			VisibilityTimeout:   v.GetDuration("queue_visibility_timeout"),
			MaxAttempts:         v.GetInt64("queue_max_attempts"),
			PollWait:            v.GetDuration("queue_poll_wait"),
			DeadLetterRetention: v.GetDuration("queue_dead_letter_retention"),
		},
		Raw: RawConfig{
			Endpoint:  str(v, "minio_endpoint"),
			AccessKey: str(v, "minio_access_key"),
			SecretKey: v.GetString("minio_secret_key"),
			UseTLS:    v.GetBool("minio_use_tls"),
			Bucket:    str(v, "raw_bucket"),
			Prefix:    str(v, "raw_prefix"),
		},
		Worker: WorkerConfig{
			BatchSize:      v.GetInt("worker_batch_size"),
			Concurrency:    v.GetInt("worker_concurrency"),
			DedupRetention: v.GetDuration("dedup_retention"),
			MetricsPort:    str(v, "worker_metrics_port"),
		},
		MQTT: MQTTConfig{
			BrokerURL:   str(v, "mqtt_broker_url"),
			ClientID:    str(v, "mqtt_client_id"),
			TopicPrefix: str(v, "mqtt_topic_prefix"),
			Insecure:    v.GetBool("mqtt_insecure_tls"),
			Retained:    v.GetBool("mqtt_ingest_retained"),
		},
	}

	slog.Info("config loaded", "port", cfg.Port, "db_driver", cfg.DBDriver, "stream", cfg.Queue.Stream, "mqtt", cfg.MQTT.BrokerURL != "")
	return cfg, nil
}

// Validate reports every required key that is missing for the given role.
func (c *Config) Validate(role Role) error {
	var missing []string
	need := func(key, val string) {
		if val == "" {
			missing = append(missing, key)
		}
	}

	switch c.DBDriver {
	case "postgres":
		need("POSTGRES_USER", c.Postgres.User)
		need("POSTGRES_DB", c.Postgres.DBName)
		need("POSTGRES_HOST", c.Postgres.Host)
		need("POSTGRES_PORT", c.Postgres.Port)
	case "sqlite":
		need("SQLITE_PATH", c.SQLitePath)
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	need("REDIS_ADDR", c.Redis.Addr)
	need("QUEUE_STREAM", c.Queue.Stream)
	need("QUEUE_GROUP", c.Queue.Group)

	if role == RoleIngest {
		need("MINIO_ENDPOINT", c.Raw.Endpoint)
		need("MINIO_ACCESS_KEY", c.Raw.AccessKey)
		need("MINIO_SECRET_KEY", c.Raw.SecretKey)
		need("RAW_BUCKET", c.Raw.Bucket)
	}
	if role == RoleWorker && c.Queue.MaxAttempts < 1 {
		return errors.New("QUEUE_MAX_ATTEMPTS must be at least 1")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required env: %s", strings.Join(missing, ", "))
	}
	return nil
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}
