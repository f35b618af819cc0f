//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"freebox-monitor/internal/monitor"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/freebox_808c0a21/download/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// routerState is the retained JSON published on <prefix>/state after every
// poll. Discovery value templates read from it.
type routerState struct {
	DownloadMbps    float64  `json:"download_mbps"`
	UploadMbps      float64  `json:"upload_mbps"`
	Temperature     *float64 `json:"temperature"`
	FanRPM          int      `json:"fan_rpm"`
	UptimeSeconds   int64    `json:"uptime"`
	ConnectionState string   `json:"connection_state"`
	IPv4            string   `json:"ipv4"`
	DevicesCount    int      `json:"devices_count"`
	DevicesActive   int      `json:"devices_active"`
	WifiEnabled     bool     `json:"wifi_enabled"`
	LastPoll        string   `json:"last_poll"`
}

func newRouterState(snap *monitor.Snapshot) routerState {
	return routerState{
		DownloadMbps:    snap.DownloadMbps(),
		UploadMbps:      snap.UploadMbps(),
		Temperature:     snap.System.TempAvg,
		FanRPM:          snap.System.FanRPM,
		UptimeSeconds:   snap.System.UptimeVal,
		ConnectionState: snap.Connection.State,
		IPv4:            snap.Connection.IPv4,
		DevicesCount:    snap.LAN.DevicesCount,
		DevicesActive:   snap.LAN.DevicesActive,
		WifiEnabled:     snap.WiFi.Enabled,
		LastPoll:        snap.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// nodeID returns the HA node id for the router, derived from its serial
// number (board name when the serial is missing).
func nodeID(sys monitor.SystemFacts) string {
	id := sys.Serial
	if id == "" {
		id = sys.BoardName
	}
	if id == "" {
		id = "router"
	}
	id = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(id))
	return "freebox_" + id
}

// buildDiscovery generates HA discovery messages for the router.
func buildDiscovery(sys monitor.SystemFacts, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/state"
	node := nodeID(sys)
	displayName := "Freebox"
	if sys.BoardName != "" {
		displayName = "Freebox " + sys.BoardName
	}

	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "Free",
		Model:        sys.BoardName,
		Name:         displayName,
		SWVersion:    sys.FirmwareVersion,
	}

	msgs := []discoveryMsg{
		buildSensor(node, displayName, stateTopic, avail, haDev,
			"download", "Download", "data_rate", "Mbit/s", "measurement",
			"{{ value_json.download_mbps | round(2) }}"),
		buildSensor(node, displayName, stateTopic, avail, haDev,
			"upload", "Upload", "data_rate", "Mbit/s", "measurement",
			"{{ value_json.upload_mbps | round(2) }}"),
		buildSensor(node, displayName, stateTopic, avail, haDev,
			"devices_active", "Active Devices", "", "", "measurement",
			"{{ value_json.devices_active }}"),
		buildBinarySensor(node, displayName, stateTopic, avail, haDev,
			"connection", "Connection", "connectivity",
			"{{ 'ON' if value_json.connection_state == 'up' else 'OFF' }}"),
		buildBinarySensor(node, displayName, stateTopic, avail, haDev,
			"wifi", "WiFi", "",
			"{{ 'ON' if value_json.wifi_enabled else 'OFF' }}"),
	}

	// Boards without sensors never report a temperature; don't advertise one.
	if sys.TempAvg != nil {
		msgs = append(msgs, buildSensor(node, displayName, stateTopic, avail, haDev,
			"temperature", "Temperature", "temperature", "°C", "measurement",
			"{{ value_json.temperature }}"))
	}
	if sys.FanRPM > 0 {
		msgs = append(msgs, buildSensor(node, displayName, stateTopic, avail, haDev,
			"fan", "Fan", "", "rpm", "measurement",
			"{{ value_json.fan_rpm }}"))
	}

	uptime := haDiscovery{
		Name:              displayName + " Uptime",
		UniqueID:          node + "_uptime",
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.uptime }}",
		UnitOfMeasurement: "s",
		DeviceClass:       "duration",
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	msgs = append(msgs, discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/sensor/%s/uptime/config", node),
		Payload: mustJSON(uptime),
	})

	return msgs
}

func buildSensor(node, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", node, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          node + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(node, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", node, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          node + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
