//go:build no_mqtt

package main

import (
	"log/slog"

	"fleet-console/internal/console"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *console.Console, cfg *Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt is enabled but this build has no MQTT support")
	}
	return &mqttStopper{}
}
