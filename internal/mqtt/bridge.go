//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"freebox-monitor/internal/monitor"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// publisher is the part of the paho client the bridge publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Bridge publishes monitor snapshots to MQTT with HA autodiscovery.
type Bridge struct {
	client publisher
	conn   pahomqtt.Client
	events *monitor.EventBus
	prefix string
	logger *slog.Logger
	unsub  func()

	mu        sync.Mutex
	lastSys   *monitor.SystemFacts
	announced string // discoveryKey of the last announced entity set
}

func newBridge(events *monitor.EventBus, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		events: events,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(events *monitor.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(events, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "freebox-monitor"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.republishDiscovery()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	// Handlers may fire as soon as Connect starts.
	b.client = client
	b.conn = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to monitor events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.conn != nil {
		b.conn.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event monitor.Event) {
	switch event.Type {
	case monitor.EventSnapshot:
		snap, ok := event.Data.(*monitor.Snapshot)
		if !ok {
			return
		}
		b.handleSnapshot(snap)
	case monitor.EventSessionState:
		b.publish(b.prefix+"/session", []byte(fmt.Sprint(event.Data)), true)
	case monitor.EventPollError:
		b.publish(b.prefix+"/error", mustJSON(event.Data), false)
	}
}

func (b *Bridge) handleSnapshot(snap *monitor.Snapshot) {
	node := nodeID(snap.System)

	b.mu.Lock()
	sys := snap.System
	b.lastSys = &sys
	// Temperature support can appear after the first poll, so the set of
	// entities is compared too.
	key := discoveryKey(sys)
	announce := b.announced != key
	b.announced = key
	b.mu.Unlock()

	if announce {
		b.publishDiscovery(sys)
		b.logger.Info("published HA discovery", "node", node)
	}
	b.publish(b.prefix+"/state", mustJSON(newRouterState(snap)), true)
}

func discoveryKey(sys monitor.SystemFacts) string {
	return fmt.Sprintf("%s/%s/%t/%t", nodeID(sys), sys.FirmwareVersion, sys.TempAvg != nil, sys.FanRPM > 0)
}

// republishDiscovery re-announces the router after a reconnect.
func (b *Bridge) republishDiscovery() {
	b.mu.Lock()
	sys := b.lastSys
	b.mu.Unlock()
	if sys == nil {
		return
	}
	b.publishDiscovery(*sys)
}

func (b *Bridge) publishDiscovery(sys monitor.SystemFacts) {
	for _, msg := range buildDiscovery(sys, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
