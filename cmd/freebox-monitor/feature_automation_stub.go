//go:build no_automation

package main

import (
	"log/slog"

	"freebox-monitor/internal/monitor"
	"freebox-monitor/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *monitor.EventBus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
