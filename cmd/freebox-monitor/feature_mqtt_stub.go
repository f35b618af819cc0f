//go:build no_mqtt

package main

import (
	"log/slog"

	"freebox-monitor/internal/monitor"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *monitor.EventBus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
