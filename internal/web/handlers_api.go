package web

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"freebox-monitor/internal/freebox"
	"freebox-monitor/internal/monitor"
	"freebox-monitor/internal/store"
)

type statusResponse struct {
	Success    bool             `json:"success"`
	Timestamp  float64          `json:"timestamp"`
	System     systemView       `json:"system"`
	Connection connectionView   `json:"connection"`
	Stats      statsView        `json:"stats"`
	LAN        monitor.LANFacts `json:"lan"`
	WiFi       wifiView         `json:"wifi"`
}

type systemView struct {
	Uptime          string             `json:"uptime"`
	UptimeVal       int64              `json:"uptime_val"`
	TempAvg         int                `json:"temp_avg"`
	TempSensors     map[string]float64 `json:"temp_sensors"`
	TempCPUM        float64            `json:"temp_cpum"`
	TempSW          float64            `json:"temp_sw"`
	TempCPUB        float64            `json:"temp_cpub"`
	FanRPM          int                `json:"fan_rpm"`
	BoardName       string             `json:"board_name"`
	Serial          string             `json:"serial"`
	FirmwareVersion string             `json:"firmware_version"`
}

type connectionView struct {
	State         string `json:"state"`
	Type          string `json:"type"`
	Media         string `json:"media"`
	IPv4          string `json:"ipv4"`
	IPv6          string `json:"ipv6"`
	RateDown      int64  `json:"rate_down"`
	RateUp        int64  `json:"rate_up"`
	BandwidthDown int64  `json:"bandwidth_down"`
	BandwidthUp   int64  `json:"bandwidth_up"`
}

type statsView struct {
	RxBytes int64 `json:"rx_bytes"`
	TxBytes int64 `json:"tx_bytes"`
	RxRate  int64 `json:"rx_rate"`
	TxRate  int64 `json:"tx_rate"`
}

type wifiView struct {
	Enabled       bool                  `json:"enabled"`
	AccessPoints  []monitor.AccessPoint `json:"access_points"`
	Stations      []any                 `json:"stations"`
	StationsCount int                   `json:"stations_count"`
}

type historyPoint struct {
	Timestamp   int64   `json:"timestamp"`
	DownloadAvg float64 `json:"download_avg"`
	DownloadMax float64 `json:"download_max"`
	UploadAvg   float64 `json:"upload_avg"`
	UploadMax   float64 `json:"upload_max"`
	Temperature float64 `json:"temperature"`
}

type historyResponse struct {
	Success bool           `json:"success"`
	Period  string         `json:"period"`
	Data    []historyPoint `json:"data"`
}

type errorResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.poller.PollOnce(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newStatusResponse(snap))
}

func newStatusResponse(snap *monitor.Snapshot) statusResponse {
	conn := snap.Connection
	resp := statusResponse{
		Success:   true,
		Timestamp: float64(snap.Timestamp.UnixMilli()) / 1000,
		System: systemView{
			Uptime:          snap.System.Uptime,
			UptimeVal:       snap.System.UptimeVal,
			TempSensors:     snap.System.TempSensors,
			TempCPUM:        snap.System.TempSensors["temp_cpum"],
			TempSW:          snap.System.TempSensors["temp_sw"],
			TempCPUB:        snap.System.TempSensors["temp_cpub"],
			FanRPM:          snap.System.FanRPM,
			BoardName:       snap.System.BoardName,
			Serial:          snap.System.Serial,
			FirmwareVersion: snap.System.FirmwareVersion,
		},
		Connection: connectionView{
			State:         conn.State,
			Type:          conn.Type,
			Media:         conn.Media,
			IPv4:          conn.IPv4,
			IPv6:          conn.IPv6,
			RateDown:      conn.RateDown,
			RateUp:        conn.RateUp,
			BandwidthDown: conn.BandwidthDown,
			BandwidthUp:   conn.BandwidthUp,
		},
		Stats: statsView{
			RxBytes: conn.BytesDown,
			TxBytes: conn.BytesUp,
			RxRate:  conn.RateDown,
			TxRate:  conn.RateUp,
		},
		LAN: snap.LAN,
		WiFi: wifiView{
			Enabled:      snap.WiFi.Enabled,
			AccessPoints: snap.WiFi.AccessPoints,
			Stations:     []any{},
		},
	}
	// The dashboard expects whole degrees; absence is only representable as 0 here.
	if snap.System.TempAvg != nil {
		resp.System.TempAvg = int(*snap.System.TempAvg)
	}
	return resp
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	period, err := store.ParsePeriod(r.PathValue("period"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid period"})
		return
	}

	buckets, err := s.history.QueryAggregate(period, s.now())
	if err != nil {
		s.logger.Error("query history", "period", period, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}

	resp := historyResponse{Success: true, Period: string(period), Data: make([]historyPoint, 0, len(buckets))}
	for _, b := range buckets {
		p := historyPoint{
			Timestamp:   b.Start,
			DownloadAvg: round(b.DownloadAvg, 2),
			DownloadMax: round(b.DownloadMax, 2),
			UploadAvg:   round(b.UploadAvg, 2),
			UploadMax:   round(b.UploadMax, 2),
		}
		if b.TemperatureAvg != nil {
			p.Temperature = round(*b.TemperatureAvg, 1)
		}
		resp.Data = append(resp.Data, p)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIInit(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.EnsureSession(r.Context()); err != nil {
		s.logger.Warn("init session", "err", err)
		status, _ := errorStatus(err)
		s.writeJSON(w, status, map[string]any{"success": false, "message": "connection failed: " + err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "connection established"})
}

func (s *Server) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":          "Freebox Monitor API",
		"version":       s.version,
		"session_state": s.sessions.State(),
		"endpoints": []string{
			"/api/status - current router snapshot",
			"/api/history/{24h|7d|30d} - aggregated bandwidth and temperature",
			"/api/init - open the router session",
			"/api/info - this page",
			"/api/version - build version",
			"/api/automation/scripts - automation scripts and their state",
			"/api/automation/scripts/{id}/reload - restart a script from disk",
			"/api/automation/scripts/{id}/toggle - enable or disable a script",
			"/api/automation/run - run Lua once against the last snapshot",
			"/ws - live snapshot stream",
		},
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// errorStatus maps a poll or session error to an HTTP status and a message
// for the dashboard.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, freebox.ErrSessionExpired):
		return http.StatusInternalServerError, "session expired and could not be renewed"
	case errors.Is(err, freebox.ErrAuthorizationDenied):
		return http.StatusForbidden, "router denied authorization"
	case errors.Is(err, freebox.ErrAuthorizationTimeout):
		return http.StatusGatewayTimeout, "authorization not approved on the router in time"
	case errors.Is(err, freebox.ErrUpstreamData):
		return http.StatusBadGateway, "router returned an error"
	case errors.Is(err, freebox.ErrConnectivity):
		return http.StatusBadGateway, "router unreachable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	resp := errorResponse{Error: msg}
	var ue *freebox.UpstreamError
	if errors.As(err, &ue) {
		resp.Error = "failed to fetch " + ue.Resource
		if json.Valid(ue.Payload) {
			resp.Details = ue.Payload
		}
	}
	s.writeJSON(w, status, resp)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
