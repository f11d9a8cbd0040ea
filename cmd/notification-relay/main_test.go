package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/lifecycle/internal/messaging/kafka"
)

func TestReadConfig_Defaults(t *testing.T) {
	t.Setenv("LIFECYCLE_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := readConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.brokers())
	assert.Equal(t, "lifecycle-notification-relay", cfg.GroupID)
	assert.Equal(t, kafka.TopicNotifications, cfg.Topic)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestReadConfig_Overrides(t *testing.T) {
	t.Setenv("LIFECYCLE_KAFKA_BROKERS", "kafka:9092")
	t.Setenv("LIFECYCLE_RELAY_GROUP_ID", "relay-eu")
	t.Setenv("LIFECYCLE_RELAY_MAX_RETRIES", "5")

	cfg, err := readConfig()
	require.NoError(t, err)
	assert.Equal(t, "relay-eu", cfg.GroupID)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestReadConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errMsg string
	}{
		{name: "no brokers", env: map[string]string{"LIFECYCLE_KAFKA_BROKERS": " , "}, errMsg: "LIFECYCLE_KAFKA_BROKERS is required"},
		{name: "zero retries", env: map[string]string{"LIFECYCLE_KAFKA_BROKERS": "kafka:9092", "LIFECYCLE_RELAY_MAX_RETRIES": "0"}, errMsg: "max retries"},
		{name: "bad retries", env: map[string]string{"LIFECYCLE_KAFKA_BROKERS": "kafka:9092", "LIFECYCLE_RELAY_MAX_RETRIES": "many"}, errMsg: "parse env"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := readConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
