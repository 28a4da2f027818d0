package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration of the reassembly backend
type Config struct {
	App        AppConfig
	MQTT       MQTTConfig
	Kafka      KafkaConfig
	Storage    StorageConfig
	ClickHouse ClickHouseConfig
	Sessions   SessionConfig
	Archive    ArchiveConfig
	Reassembly ReassemblyConfig
	Breaker    BreakerConfig
	HTTP       HTTPConfig
	Tracing    TracingConfig
}

type AppConfig struct {
	Name         string `env:"APP_NAME" envDefault:"wildlife-backend"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile      string `env:"LOG_FILE"`
	LogMaxSizeMB int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackup int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAgeDay int    `env:"LOG_MAX_AGE_DAYS" envDefault:"14"`
}

// MQTTConfig describes the broker connection and the sensor topic grammar
type MQTTConfig struct {
	Broker   string `env:"MQTT_BROKER" envDefault:"tcp://localhost:1883"`
	ClientID string `env:"MQTT_CLIENT_ID" envDefault:"wildlife-backend"`
	Username string `env:"MQTT_USERNAME"`
	Password string `env:"MQTT_PASSWORD"`
	QoS      byte   `env:"MQTT_QOS" envDefault:"1"`

	// Topic roots, e.g. sensors/{id}/data, camera/{id}/status and animals/{id}/location
	SensorRoot string `env:"MQTT_SENSOR_ROOT" envDefault:"sensors"`
	CameraRoot string `env:"MQTT_CAMERA_ROOT" envDefault:"camera"`
	AnimalRoot string `env:"MQTT_ANIMAL_ROOT" envDefault:"animals"`

	// Outbound reassembly events, {device_id} is replaced per sensor
	EventTopic string `env:"MQTT_TOPIC_EVENTS" envDefault:"reassembly/{device_id}/events"`
}

type KafkaConfig struct {
	Enabled       bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers       []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	FragmentTopic string        `env:"KAFKA_FRAGMENT_TOPIC" envDefault:"wildlife.fragments"`
	GroupID       string        `env:"KAFKA_GROUP_ID" envDefault:"wildlife-reassembly"`
	EventsEnabled bool          `env:"KAFKA_EVENTS_ENABLED" envDefault:"false"`
	EventsTopic   string        `env:"KAFKA_EVENTS_TOPIC" envDefault:"wildlife.reassembly.events"`
	Compression   string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchTimeout  time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"500ms"`
}

// StorageConfig selects the record store engine
type StorageConfig struct {
	Driver string `env:"STORAGE_DRIVER" envDefault:"sqlite"`
	DSN    string `env:"STORAGE_DSN"`
}

type ClickHouseConfig struct {
	Addr string `env:"CLICKHOUSE_ADDR" envDefault:"localhost:9000"`
	DB   string `env:"CLICKHOUSE_DB" envDefault:"wildlife"`
	User string `env:"CLICKHOUSE_USER" envDefault:"default"`
	Pass string `env:"CLICKHOUSE_PASS"`
}

// SessionConfig selects where in-flight sessions live
type SessionConfig struct {
	Store      string `env:"SESSION_STORE" envDefault:"memory"`
	BadgerPath string `env:"SESSION_BADGER_PATH" envDefault:"./data/sessions"`
}

type ArchiveConfig struct {
	Enabled   bool   `env:"ARCHIVE_ENABLED" envDefault:"false"`
	Provider  string `env:"ARCHIVE_PROVIDER" envDefault:"minio"`
	Endpoint  string `env:"ARCHIVE_ENDPOINT" envDefault:"localhost:9000"`
	Region    string `env:"ARCHIVE_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"ARCHIVE_BUCKET" envDefault:"wildlife-media"`
	AccessKey string `env:"ARCHIVE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"ARCHIVE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"ARCHIVE_USE_SSL" envDefault:"false"`
}

// ReassemblyConfig holds the tuning knobs of the reassembly core
type ReassemblyConfig struct {
	PostshotThreshold    int           `env:"REASSEMBLY_POSTSHOT_THRESHOLD" envDefault:"5"`
	DefaultSampleRate    int           `env:"REASSEMBLY_DEFAULT_SAMPLE_RATE" envDefault:"8000"`
	DefaultBitsPerSample int           `env:"REASSEMBLY_DEFAULT_BITS" envDefault:"8"`
	CorrelationTolerance time.Duration `env:"REASSEMBLY_CORRELATION_TOLERANCE" envDefault:"30s"`
	SweepInterval        time.Duration `env:"REASSEMBLY_SWEEP_INTERVAL" envDefault:"60s"`
	AudioIdleTimeout     time.Duration `env:"REASSEMBLY_AUDIO_IDLE_TIMEOUT" envDefault:"5m"`
	ImageIdleTimeout     time.Duration `env:"REASSEMBLY_IMAGE_IDLE_TIMEOUT" envDefault:"5m"`
	UnlinkedTimeout      time.Duration `env:"REASSEMBLY_UNLINKED_TIMEOUT" envDefault:"1m"`
	PostshotGrace        time.Duration `env:"REASSEMBLY_POSTSHOT_GRACE" envDefault:"10s"`
	PersistMaxAttempts   uint          `env:"REASSEMBLY_PERSIST_MAX_ATTEMPTS" envDefault:"5"`
	PersistBackoff       time.Duration `env:"REASSEMBLY_PERSIST_BACKOFF" envDefault:"200ms"`
	PersistMaxBackoff    time.Duration `env:"REASSEMBLY_PERSIST_MAX_BACKOFF" envDefault:"5s"`
	MaxImageChunks       int           `env:"REASSEMBLY_MAX_IMAGE_CHUNKS" envDefault:"4096"`
	Workers              int           `env:"REASSEMBLY_WORKERS" envDefault:"4"`
	QueueSize            int           `env:"REASSEMBLY_QUEUE_SIZE" envDefault:"256"`
	EnqueueTimeout       time.Duration `env:"REASSEMBLY_ENQUEUE_TIMEOUT" envDefault:"1s"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	OpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
}

type HTTPConfig struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:":8090"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
}

type TracingConfig struct {
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
}

// Load reads the .env file (if present) and then the process environment
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	return Parse()
}

// Parse builds a Config from the current process environment only
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the reassembly core cannot run with
func (c *Config) Validate() error {
	r := c.Reassembly
	switch {
	case r.PostshotThreshold <= 0:
		return fmt.Errorf("REASSEMBLY_POSTSHOT_THRESHOLD must be positive, got %d", r.PostshotThreshold)
	case r.DefaultSampleRate <= 0:
		return fmt.Errorf("REASSEMBLY_DEFAULT_SAMPLE_RATE must be positive, got %d", r.DefaultSampleRate)
	case r.DefaultBitsPerSample%8 != 0 || r.DefaultBitsPerSample <= 0 || r.DefaultBitsPerSample > 32:
		return fmt.Errorf("REASSEMBLY_DEFAULT_BITS must be 8, 16, 24 or 32, got %d", r.DefaultBitsPerSample)
	case r.Workers <= 0:
		return fmt.Errorf("REASSEMBLY_WORKERS must be positive, got %d", r.Workers)
	case r.QueueSize <= 0:
		return fmt.Errorf("REASSEMBLY_QUEUE_SIZE must be positive, got %d", r.QueueSize)
	case r.SweepInterval <= 0:
		return fmt.Errorf("REASSEMBLY_SWEEP_INTERVAL must be positive, got %s", r.SweepInterval)
	case r.PersistMaxAttempts == 0:
		return fmt.Errorf("REASSEMBLY_PERSIST_MAX_ATTEMPTS must be at least 1")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "sqlite", "postgres", "clickhouse":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}

	switch strings.ToLower(c.Sessions.Store) {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown SESSION_STORE %q", c.Sessions.Store)
	}

	for _, root := range []string{c.MQTT.SensorRoot, c.MQTT.CameraRoot, c.MQTT.AnimalRoot} {
		if root == "" || strings.ContainsAny(root, "/+#") {
			return fmt.Errorf("MQTT topic roots must be a single non-empty level, got %q", root)
		}
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

// AlertTopic returns the subscription filter for alert declarations
func (m MQTTConfig) AlertTopic() string { return m.SensorRoot + "/+/data" }

// AudioTopic returns the subscription filter for binary audio packets
func (m MQTTConfig) AudioTopic() string { return m.SensorRoot + "/+/audio" }

// ImageStatusTopic returns the subscription filter for image metadata and camera status
func (m MQTTConfig) ImageStatusTopic() string { return m.CameraRoot + "/+/status" }

// ImageChunkTopic returns the subscription filter for image chunks
func (m MQTTConfig) ImageChunkTopic() string { return m.CameraRoot + "/+/images/+/chunk/+" }

// AnimalLocationTopic returns the subscription filter for collar location fixes
func (m MQTTConfig) AnimalLocationTopic() string { return m.AnimalRoot + "/+/location" }

// IngestTopics returns every subscription filter of the ingest path
func (m MQTTConfig) IngestTopics() []string {
	return []string{m.AlertTopic(), m.AudioTopic(), m.ImageStatusTopic(), m.ImageChunkTopic(), m.AnimalLocationTopic()}
}
