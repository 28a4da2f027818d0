package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := cfg.Reassembly
	if r.PostshotThreshold != 5 {
		t.Fatalf("threshold = %d, want 5", r.PostshotThreshold)
	}
	if r.DefaultSampleRate != 8000 || r.DefaultBitsPerSample != 8 {
		t.Fatalf("default format = %d/%d", r.DefaultSampleRate, r.DefaultBitsPerSample)
	}
	if r.CorrelationTolerance != 30*time.Second {
		t.Fatalf("tolerance = %s", r.CorrelationTolerance)
	}
	if r.SweepInterval != time.Minute || r.AudioIdleTimeout != 5*time.Minute || r.UnlinkedTimeout != time.Minute {
		t.Fatalf("unexpected sweep defaults: %+v", r)
	}
	if got := cfg.MQTT.ImageChunkTopic(); got != "camera/+/images/+/chunk/+" {
		t.Fatalf("chunk topic = %q", got)
	}
	if got := cfg.MQTT.AnimalLocationTopic(); got != "animals/+/location" {
		t.Fatalf("animal topic = %q", got)
	}
	if got := len(cfg.MQTT.IngestTopics()); got != 5 {
		t.Fatalf("ingest topics = %d, want 5", got)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("REASSEMBLY_POSTSHOT_THRESHOLD", "8")
	t.Setenv("REASSEMBLY_SWEEP_INTERVAL", "15s")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("MQTT_SENSOR_ROOT", "field")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Reassembly.PostshotThreshold != 8 {
		t.Fatalf("threshold = %d", cfg.Reassembly.PostshotThreshold)
	}
	if cfg.Reassembly.SweepInterval != 15*time.Second {
		t.Fatalf("sweep = %s", cfg.Reassembly.SweepInterval)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if got := cfg.MQTT.AudioTopic(); got != "field/+/audio" {
		t.Fatalf("audio topic = %q", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"REASSEMBLY_POSTSHOT_THRESHOLD": "0",
		"REASSEMBLY_DEFAULT_BITS":       "12",
		"REASSEMBLY_WORKERS":            "0",
		"STORAGE_DRIVER":                "mongo",
		"SESSION_STORE":                 "redis",
		"MQTT_CAMERA_ROOT":              "field/camera",
		"MQTT_ANIMAL_ROOT":              "collars/#",
		"MQTT_QOS":                      "3",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Parse(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}
