package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"freebox-monitor/internal/freebox"
	"freebox-monitor/internal/monitor"
	"freebox-monitor/internal/schedule"
	"freebox-monitor/internal/store"
	"freebox-monitor/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Freebox struct {
		URL             string `yaml:"url"`
		APIVersion      string `yaml:"api_version"`
		AppID           string `yaml:"app_id"`
		AppName         string `yaml:"app_name"`
		AppVersion      string `yaml:"app_version"`
		DeviceName      string `yaml:"device_name"`
		Timeout         string `yaml:"timeout"`
		PairingTimeout  string `yaml:"pairing_timeout"`
		PairingInterval string `yaml:"pairing_interval"`
		WifiAPIDs       []int  `yaml:"wifi_ap_ids"`
	} `yaml:"freebox"`
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path          string `yaml:"path"`
		Retention     string `yaml:"retention"`
		PruneInterval string `yaml:"prune_interval"`
	} `yaml:"store"`
	Poll struct {
		Interval string `yaml:"interval"`
	} `yaml:"poll"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Freebox.URL, "http://") && !strings.HasPrefix(c.Freebox.URL, "https://") {
		return fmt.Errorf("freebox.url must be an http(s) URL, got %q", c.Freebox.URL)
	}
	if c.Freebox.AppID == "" {
		return fmt.Errorf("freebox.app_id is required")
	}
	for _, id := range c.Freebox.WifiAPIDs {
		if id < 0 {
			return fmt.Errorf("freebox.wifi_ap_ids: invalid id %d", id)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("freebox-monitor starting", "version", version, "router", cfg.Freebox.URL)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := monitor.NewEventBus(logger)

	client := freebox.NewClient(freebox.Config{
		URL:        cfg.Freebox.URL,
		APIVersion: cfg.Freebox.APIVersion,
		Timeout:    duration(logger, "freebox.timeout", cfg.Freebox.Timeout, 10*time.Second),
	}, logger)

	sessions := freebox.NewSessionManager(client, db, freebox.AppIdentity{
		AppID:      cfg.Freebox.AppID,
		AppName:    cfg.Freebox.AppName,
		AppVersion: cfg.Freebox.AppVersion,
		DeviceName: cfg.Freebox.DeviceName,
	}, logger,
		freebox.WithPairingWait(
			duration(logger, "freebox.pairing_timeout", cfg.Freebox.PairingTimeout, 120*time.Second),
			duration(logger, "freebox.pairing_interval", cfg.Freebox.PairingInterval, 2*time.Second),
		),
		freebox.WithStateListener(func(s freebox.SessionState) {
			events.Emit(monitor.SessionStateEvent(s))
		}),
	)

	poller := monitor.NewPoller(sessions, db, events, logger,
		monitor.WithAccessPoints(cfg.Freebox.WifiAPIDs),
		monitor.WithRetention(duration(logger, "store.retention", cfg.Store.Retention, store.DefaultRetention)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := poller.Prune(ctx); err != nil {
		logger.Error("startup prune", "err", err)
	} else {
		logger.Info("startup prune", "removed", n)
	}

	// Optional features (no-ops when built with no_automation / no_mqtt).
	auto, autoWebOpts := initAutomation(events, cfg, logger)
	mqtt := initMQTT(events, cfg, logger)

	webOpts := append([]web.ServerOption{
		web.WithAllowedOrigins(cfg.Web.AllowedOrigins),
		web.WithVersion(version),
	}, autoWebOpts...)
	webServer := web.NewServer(poller, sessions, db, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second, // a status call may wait for pairing approval
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	sched := schedule.New(logger,
		schedule.Task{
			Name:      "poll",
			Interval:  duration(logger, "poll.interval", cfg.Poll.Interval, time.Minute),
			Immediate: true,
			Run: func(ctx context.Context) error {
				_, err := poller.PollOnce(ctx)
				return err
			},
		},
		schedule.Task{
			Name:     "prune",
			Interval: duration(logger, "store.prune_interval", cfg.Store.PruneInterval, time.Hour),
			Run: func(ctx context.Context) error {
				_, err := poller.Prune(ctx)
				return err
			},
		},
	)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	cancel()
	<-schedDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Freebox.URL == "" {
		cfg.Freebox.URL = freebox.DefaultURL
	}
	if cfg.Freebox.APIVersion == "" {
		cfg.Freebox.APIVersion = "v8"
	}
	if cfg.Freebox.AppID == "" {
		cfg.Freebox.AppID = "fr.freebox.monitor"
	}
	if cfg.Freebox.AppName == "" {
		cfg.Freebox.AppName = "Freebox Monitor"
	}
	if cfg.Freebox.AppVersion == "" {
		cfg.Freebox.AppVersion = "1.0.0"
	}
	if cfg.Freebox.DeviceName == "" {
		cfg.Freebox.DeviceName = "Server"
	}
	if len(cfg.Freebox.WifiAPIDs) == 0 {
		cfg.Freebox.WifiAPIDs = freebox.DefaultAccessPointIDs
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:5000"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "freebox-monitor.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "freebox"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// duration parses a config duration, falling back to def when the value is
// empty or malformed. "0" is kept and disables interval-driven tasks.
func duration(logger *slog.Logger, key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
