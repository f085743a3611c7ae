package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/lightning-detector/internal/domain"
)

const testSerialPort = "/dev/ttyUSB0"

func withSerialPort(t *testing.T) {
	t.Helper()
	t.Setenv("SENSOR_SERIAL_PORT", testSerialPort)
}

func TestLoad_Defaults(t *testing.T) {
	withSerialPort(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RingCount)
	assert.Equal(t, 5, cfg.PeriodMinutes)
	assert.Equal(t, 30, cfg.EndStormMinutes)
	assert.Equal(t, domain.UnitKm, cfg.DistanceUnits)
	assert.Equal(t, testSerialPort, cfg.SensorSerialPort)
	assert.Equal(t, 9600, cfg.SensorBaudRate)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Empty(t, cfg.ReplayFile)
	assert.InDelta(t, 1.0, cfg.ReplayScale, 1e-9)
	assert.Equal(t, 64, cfg.PublishQueueSize)
	assert.Equal(t, 5*time.Second, cfg.PublishTimeout)
	assert.True(t, cfg.MQTTEnabled)
	assert.Equal(t, "localhost:1883", cfg.MQTTBrokerAddr())
	assert.False(t, cfg.MQTTTLS)
	assert.Equal(t, "home/nodes/sensor/lightningdetector", cfg.SensorTopic())
	assert.True(t, strings.HasPrefix(cfg.MQTTClientID, "lightningd-"))
	assert.Equal(t, 60*time.Second, cfg.MQTTKeepAlive)
	assert.True(t, cfg.MQTTDiscovery)
	assert.Equal(t, "homeassistant", cfg.MQTTDiscoveryPrefix)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "lightning-snapshots", cfg.KafkaSnapshotTopic)
	assert.Empty(t, cfg.HistoryDBPath)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("RING_COUNT", "7")
	t.Setenv("PERIOD_MINUTES", "2")
	t.Setenv("END_STORM_MINUTES", "60")
	t.Setenv("DISTANCE_UNITS", "MI")
	t.Setenv("REPLAY_FILE", "testdata/storm.txt")
	t.Setenv("REPLAY_SCALE", "60")
	t.Setenv("MQTT_HOSTNAME", "broker.local")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_TLS", "true")
	t.Setenv("MQTT_USERNAME", "sensor")
	t.Setenv("MQTT_PASSWORD", "secret")
	t.Setenv("MQTT_BASE_TOPIC", "/Home/Weather/")
	t.Setenv("MQTT_SENSOR_NAME", "Roof")
	t.Setenv("MQTT_CLIENT_ID", "roof-1")
	t.Setenv("MQTT_DISCOVERY", "false")
	t.Setenv("MQTT_DISCOVERY_PREFIX", "ha/")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_SNAPSHOT_TOPIC", "strikes")
	t.Setenv("HISTORY_DB_PATH", "/var/lib/lightningd/history.db")
	t.Setenv("PUBLISH_QUEUE_SIZE", "8")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.RingCount)
	assert.Equal(t, 2, cfg.PeriodMinutes)
	assert.Equal(t, 60, cfg.EndStormMinutes)
	assert.Equal(t, domain.UnitMi, cfg.DistanceUnits)
	assert.Equal(t, "testdata/storm.txt", cfg.ReplayFile)
	assert.InDelta(t, 60.0, cfg.ReplayScale, 1e-9)
	assert.Equal(t, "broker.local:8883", cfg.MQTTBrokerAddr())
	assert.True(t, cfg.MQTTTLS)
	assert.Equal(t, "sensor", cfg.MQTTUsername)
	assert.Equal(t, "secret", cfg.MQTTPassword)
	assert.Equal(t, "home/weather/sensor/roof", cfg.SensorTopic())
	assert.Equal(t, "roof-1", cfg.MQTTClientID)
	assert.False(t, cfg.MQTTDiscovery)
	assert.Equal(t, "ha", cfg.MQTTDiscoveryPrefix)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "strikes", cfg.KafkaSnapshotTopic)
	assert.Equal(t, "/var/lib/lightningd/history.db", cfg.HistoryDBPath)
	assert.Equal(t, 8, cfg.PublishQueueSize)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_OutOfBounds(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"RING_COUNT", "2"},
		{"RING_COUNT", "8"},
		{"RING_COUNT", "five"},
		{"PERIOD_MINUTES", "1"},
		{"PERIOD_MINUTES", "11"},
		{"END_STORM_MINUTES", "9"},
		{"END_STORM_MINUTES", "61"},
		{"DISTANCE_UNITS", "furlongs"},
		{"MQTT_PORT", "0"},
		{"PUBLISH_QUEUE_SIZE", "0"},
		{"POLL_INTERVAL", "-1s"},
		{"PUBLISH_TIMEOUT", "soon"},
		{"MQTT_TLS", "maybe"},
		{"REPLAY_SCALE", "0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			withSerialPort(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)

			var cfgErr *domain.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.key, cfgErr.Field)
		})
	}
}

func TestLoad_ReportsEveryInvalidVariable(t *testing.T) {
	withSerialPort(t)
	t.Setenv("RING_COUNT", "9")
	t.Setenv("PERIOD_MINUTES", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RING_COUNT")
	assert.Contains(t, err.Error(), "PERIOD_MINUTES")
}

func TestLoad_RequiresOneSensorInput(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SENSOR_SERIAL_PORT")

	t.Setenv("SENSOR_SERIAL_PORT", testSerialPort)
	t.Setenv("REPLAY_FILE", "storm.txt")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoad_InvalidShutdownTimeout(t *testing.T) {
	withSerialPort(t)
	t.Setenv("SHUTDOWN_TIMEOUT", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_MQTTDisabled(t *testing.T) {
	withSerialPort(t)
	t.Setenv("MQTT_ENABLED", "false")
	t.Setenv("MQTT_HOSTNAME", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.MQTTEnabled)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lightningd.env")
	require.NoError(t, os.WriteFile(path, []byte("RING_COUNT=6\nSENSOR_SERIAL_PORT=/dev/ttyAMA0\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("RING_COUNT")
		os.Unsetenv("SENSOR_SERIAL_PORT")
	})
	t.Setenv(EnvFileVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.RingCount)
	assert.Equal(t, "/dev/ttyAMA0", cfg.SensorSerialPort)
}

func TestLoad_EnvFileMissing(t *testing.T) {
	withSerialPort(t)
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "missing.env"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvFileVar)
}
