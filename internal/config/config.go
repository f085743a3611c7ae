package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/couchcryptid/lightning-detector/internal/domain"
)

// EnvFileVar names an optional dotenv file loaded before the environment is read.
// Variables already set in the environment take precedence over the file.
const EnvFileVar = "LIGHTNINGD_ENV_FILE"

// Config holds all service settings, populated from environment variables.
type Config struct {
	// Accumulator settings.
	RingCount       int
	PeriodMinutes   int
	EndStormMinutes int
	DistanceUnits   domain.Unit

	// Sensor input. Exactly one of SensorSerialPort and ReplayFile is set.
	SensorSerialPort string
	SensorBaudRate   int
	PollInterval     time.Duration
	ReplayFile       string
	ReplayScale      float64

	PublishQueueSize int
	PublishTimeout   time.Duration

	// MQTT reporting gateway.
	MQTTEnabled    bool
	MQTTHost       string
	MQTTPort       int
	MQTTUsername   string
	MQTTPassword   string
	MQTTTLS        bool
	MQTTBaseTopic  string
	MQTTSensorName string
	MQTTClientID   string
	MQTTKeepAlive  time.Duration

	// Home Assistant MQTT discovery announcements.
	MQTTDiscovery       bool
	MQTTDiscoveryPrefix string

	// Optional sinks.
	KafkaBrokers       []string
	KafkaSnapshotTopic string
	HistoryDBPath      string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
// Out-of-range values are reported as *domain.ConfigError naming the variable.
func Load() (*Config, error) {
	if path := os.Getenv(EnvFileVar); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", EnvFileVar, err)
		}
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		DistanceUnits:       domain.Unit(strings.ToLower(sharedcfg.EnvOrDefault("DISTANCE_UNITS", "km"))),
		SensorSerialPort:    os.Getenv("SENSOR_SERIAL_PORT"),
		ReplayFile:          os.Getenv("REPLAY_FILE"),
		MQTTHost:            sharedcfg.EnvOrDefault("MQTT_HOSTNAME", "localhost"),
		MQTTUsername:        os.Getenv("MQTT_USERNAME"),
		MQTTPassword:        os.Getenv("MQTT_PASSWORD"),
		MQTTBaseTopic:       strings.ToLower(strings.Trim(sharedcfg.EnvOrDefault("MQTT_BASE_TOPIC", "home/nodes"), "/")),
		MQTTSensorName:      strings.ToLower(sharedcfg.EnvOrDefault("MQTT_SENSOR_NAME", "lightningdetector")),
		MQTTClientID:        sharedcfg.EnvOrDefault("MQTT_CLIENT_ID", "lightningd-"+uuid.NewString()[:8]),
		KafkaSnapshotTopic:  sharedcfg.EnvOrDefault("KAFKA_SNAPSHOT_TOPIC", "lightning-snapshots"),
		MQTTDiscoveryPrefix: strings.Trim(sharedcfg.EnvOrDefault("MQTT_DISCOVERY_PREFIX", "homeassistant"), "/"),
		HistoryDBPath:       os.Getenv("HISTORY_DB_PATH"),
		HTTPAddr:            sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:            sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:     shutdownTimeout,
	}

	cfg.RingCount, err = intInRange("RING_COUNT", 5, domain.MinRingCount, domain.MaxRingCount)
	collect(err)
	cfg.PeriodMinutes, err = intInRange("PERIOD_MINUTES", 5, 2, 10)
	collect(err)
	cfg.EndStormMinutes, err = intInRange("END_STORM_MINUTES", 30, 10, 60)
	collect(err)
	cfg.SensorBaudRate, err = intInRange("SENSOR_BAUD_RATE", 9600, 1200, 921600)
	collect(err)
	cfg.PublishQueueSize, err = intInRange("PUBLISH_QUEUE_SIZE", 64, 1, 4096)
	collect(err)
	cfg.MQTTPort, err = intInRange("MQTT_PORT", 1883, 1, 65535)
	collect(err)

	cfg.PollInterval, err = positiveDuration("POLL_INTERVAL", "10s")
	collect(err)
	cfg.PublishTimeout, err = positiveDuration("PUBLISH_TIMEOUT", "5s")
	collect(err)
	cfg.MQTTKeepAlive, err = positiveDuration("MQTT_KEEPALIVE", "60s")
	collect(err)

	cfg.MQTTEnabled, err = boolEnv("MQTT_ENABLED", true)
	collect(err)
	cfg.MQTTTLS, err = boolEnv("MQTT_TLS", false)
	collect(err)
	cfg.MQTTDiscovery, err = boolEnv("MQTT_DISCOVERY", true)
	collect(err)

	cfg.ReplayScale, err = replayScale()
	collect(err)

	if _, err := domain.ParseUnit(string(cfg.DistanceUnits)); err != nil {
		collect(&domain.ConfigError{Field: "DISTANCE_UNITS", Value: string(cfg.DistanceUnits), Reason: "must be km or mi"})
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	switch {
	case cfg.SensorSerialPort == "" && cfg.ReplayFile == "":
		collect(errors.New("one of SENSOR_SERIAL_PORT or REPLAY_FILE is required"))
	case cfg.SensorSerialPort != "" && cfg.ReplayFile != "":
		collect(errors.New("SENSOR_SERIAL_PORT and REPLAY_FILE are mutually exclusive"))
	}
	if cfg.MQTTEnabled && cfg.MQTTHost == "" {
		collect(errors.New("MQTT_HOSTNAME is required when MQTT_ENABLED is true"))
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaSnapshotTopic == "" {
		collect(errors.New("KAFKA_SNAPSHOT_TOPIC is required when KAFKA_BROKERS is set"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MQTTBrokerAddr returns host:port of the MQTT broker.
func (c *Config) MQTTBrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.MQTTHost, c.MQTTPort)
}

// SensorTopic returns the topic prefix for this sensor, e.g. home/nodes/sensor/lightningdetector.
func (c *Config) SensorTopic() string {
	return c.MQTTBaseTopic + "/sensor/" + c.MQTTSensorName
}

func intInRange(key string, def, lo, hi int) (int, error) {
	s := sharedcfg.EnvOrDefault(key, strconv.Itoa(def))
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < lo || n > hi {
		return 0, &domain.ConfigError{Field: key, Value: s, Reason: fmt.Sprintf("must be an integer between %d and %d", lo, hi)}
	}
	return n, nil
}

func positiveDuration(key, def string) (time.Duration, error) {
	s := sharedcfg.EnvOrDefault(key, def)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, &domain.ConfigError{Field: key, Value: s, Reason: "must be a positive duration"}
	}
	return d, nil
}

func boolEnv(key string, def bool) (bool, error) {
	s := sharedcfg.EnvOrDefault(key, strconv.FormatBool(def))
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, &domain.ConfigError{Field: key, Value: s, Reason: "must be true or false"}
	}
	return b, nil
}

func replayScale() (float64, error) {
	s := sharedcfg.EnvOrDefault("REPLAY_SCALE", "1")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 1 {
		return 0, &domain.ConfigError{Field: "REPLAY_SCALE", Value: s, Reason: "must be a number >= 1"}
	}
	return f, nil
}
