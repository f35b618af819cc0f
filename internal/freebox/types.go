package freebox

// Wire types for the router API. Fields the router omits keep their zero
// value, which is the declared default for every field below.

// Sensor is one entry of the system sensor list.
type Sensor struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Fan is one entry of the system fan list (newer firmwares).
type Fan struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// SystemInfo is the result of GET /system.
type SystemInfo struct {
	Uptime          string   `json:"uptime"`
	UptimeVal       int64    `json:"uptime_val"`
	BoardName       string   `json:"board_name"`
	Serial          string   `json:"serial"`
	FirmwareVersion string   `json:"firmware_version"`
	Sensors         []Sensor `json:"sensors"`
	Fans            []Fan    `json:"fans"`
	FanRPM          int      `json:"fan_rpm"`
}

// ConnectionStatus is the result of GET /connection. Rates are bytes/s,
// bandwidths bit/s.
type ConnectionStatus struct {
	State         string `json:"state"`
	Type          string `json:"type"`
	Media         string `json:"media"`
	IPv4          string `json:"ipv4"`
	IPv6          string `json:"ipv6"`
	RateDown      int64  `json:"rate_down"`
	RateUp        int64  `json:"rate_up"`
	BandwidthDown int64  `json:"bandwidth_down"`
	BandwidthUp   int64  `json:"bandwidth_up"`
	BytesDown     int64  `json:"bytes_down"`
	BytesUp       int64  `json:"bytes_up"`
}

// LanHost is one entry of GET /lan/browser/pub.
type LanHost struct {
	ID          string `json:"id"`
	PrimaryName string `json:"primary_name"`
	HostType    string `json:"host_type"`
	Active      bool   `json:"active"`
}

// WifiConfig is the result of GET /wifi/config.
type WifiConfig struct {
	Enabled bool `json:"enabled"`
}

// WifiAP is the result of GET /wifi/ap/{id}.
type WifiAP struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Config struct {
		Enabled bool   `json:"enabled"`
		Band    string `json:"band"`
	} `json:"config"`
	Status struct {
		State          string `json:"state"`
		PrimaryChannel int    `json:"primary_channel"`
		ChannelWidth   string `json:"channel_width"`
	} `json:"status"`
}

// DefaultAccessPointIDs are the radios queried per poll: 2.4G, 5G, 5G1, 6G.
var DefaultAccessPointIDs = []int{0, 1, 10, 11}

type authorizeRequest struct {
	AppID      string `json:"app_id"`
	AppName    string `json:"app_name"`
	AppVersion string `json:"app_version"`
	DeviceName string `json:"device_name"`
}

type authorizeResult struct {
	AppToken string `json:"app_token"`
	TrackID  int    `json:"track_id"`
}

// Pairing statuses reported by GET /login/authorize/{track_id}.
const (
	TrackUnknown = "unknown"
	TrackPending = "pending"
	TrackTimeout = "timeout"
	TrackGranted = "granted"
	TrackDenied  = "denied"
)

type trackStatus struct {
	Status    string `json:"status"`
	Challenge string `json:"challenge"`
}

type loginChallenge struct {
	LoggedIn  bool   `json:"logged_in"`
	Challenge string `json:"challenge"`
}

type sessionRequest struct {
	AppID    string `json:"app_id"`
	Password string `json:"password"`
}

type sessionResult struct {
	SessionToken string          `json:"session_token"`
	Challenge    string          `json:"challenge"`
	Permissions  map[string]bool `json:"permissions"`
}
