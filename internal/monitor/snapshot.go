package monitor

import (
	"strings"
	"time"

	"freebox-monitor/internal/freebox"
)

// Snapshot is the router state observed by one poll. It is not modified
// after PollOnce returns it.
type Snapshot struct {
	Timestamp  time.Time                `json:"timestamp"`
	System     SystemFacts              `json:"system"`
	Connection freebox.ConnectionStatus `json:"connection"`
	LAN        LANFacts                 `json:"lan"`
	WiFi       WiFiFacts                `json:"wifi"`
}

// SystemFacts are the board facts with temperature sensors extracted.
type SystemFacts struct {
	Uptime          string             `json:"uptime"`
	UptimeVal       int64              `json:"uptime_val"`
	TempSensors     map[string]float64 `json:"temp_sensors"`
	TempAvg         *float64           `json:"temp_avg"`
	FanRPM          int                `json:"fan_rpm"`
	BoardName       string             `json:"board_name"`
	Serial          string             `json:"serial"`
	FirmwareVersion string             `json:"firmware_version"`
	Sensors         []freebox.Sensor   `json:"sensors"`
}

// LANFacts summarizes the LAN host list.
type LANFacts struct {
	DevicesCount  int `json:"devices_count"`
	DevicesActive int `json:"devices_active"`
}

// WiFiFacts is the global WiFi switch and the radios that answered.
type WiFiFacts struct {
	Enabled      bool          `json:"enabled"`
	AccessPoints []AccessPoint `json:"access_points"`
}

// AccessPoint is one radio, flattened for the dashboard.
type AccessPoint struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	State          string `json:"state"`
	PrimaryChannel int    `json:"primary_channel"`
	ChannelWidth   string `json:"channel_width"`
	Band           string `json:"band"`
}

// Fetch is the outcome of a best-effort sub-fetch.
type Fetch[T any] struct {
	Value T
	Err   error
}

// Or returns the fetched value, or def when the fetch failed.
func (f Fetch[T]) Or(def T) T {
	if f.Err != nil {
		return def
	}
	return f.Value
}

// DownloadMbps converts the WAN download rate from bytes/s to Mbit/s.
func (s *Snapshot) DownloadMbps() float64 {
	return float64(s.Connection.RateDown) * 8 / 1e6
}

// UploadMbps converts the WAN upload rate from bytes/s to Mbit/s.
func (s *Snapshot) UploadMbps() float64 {
	return float64(s.Connection.RateUp) * 8 / 1e6
}

func systemFacts(info *freebox.SystemInfo) SystemFacts {
	facts := SystemFacts{
		Uptime:          info.Uptime,
		UptimeVal:       info.UptimeVal,
		TempSensors:     make(map[string]float64),
		FanRPM:          info.FanRPM,
		BoardName:       info.BoardName,
		Serial:          info.Serial,
		FirmwareVersion: info.FirmwareVersion,
		Sensors:         info.Sensors,
	}
	if facts.Sensors == nil {
		facts.Sensors = []freebox.Sensor{}
	}
	// Newer firmwares report fans as a list instead of fan_rpm.
	if facts.FanRPM == 0 && len(info.Fans) > 0 {
		facts.FanRPM = info.Fans[0].Value
	}

	var sum float64
	for _, s := range info.Sensors {
		if !strings.Contains(strings.ToLower(s.ID), "temp") {
			continue
		}
		facts.TempSensors[s.ID] = s.Value
		sum += s.Value
	}
	if n := len(facts.TempSensors); n > 0 {
		avg := sum / float64(n)
		facts.TempAvg = &avg
	}
	return facts
}

func lanFacts(hosts []freebox.LanHost) LANFacts {
	facts := LANFacts{DevicesCount: len(hosts)}
	for _, h := range hosts {
		if h.Active {
			facts.DevicesActive++
		}
	}
	return facts
}

func wifiFacts(cfg Fetch[*freebox.WifiConfig], aps []Fetch[*freebox.WifiAP]) WiFiFacts {
	facts := WiFiFacts{AccessPoints: []AccessPoint{}}
	if c := cfg.Or(nil); c != nil {
		facts.Enabled = c.Enabled
	}
	for _, f := range aps {
		ap := f.Or(nil)
		if ap == nil {
			continue
		}
		facts.AccessPoints = append(facts.AccessPoints, AccessPoint{
			ID:             ap.ID,
			Name:           ap.Name,
			Enabled:        ap.Config.Enabled,
			State:          ap.Status.State,
			PrimaryChannel: ap.Status.PrimaryChannel,
			ChannelWidth:   ap.Status.ChannelWidth,
			Band:           ap.Config.Band,
		})
	}
	return facts
}
