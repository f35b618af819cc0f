package store

import (
	"fmt"
	"time"
)

// Sample is one persisted bandwidth/temperature data point.
type Sample struct {
	Timestamp    int64    `json:"ts"`
	DownloadMbps float64  `json:"down"`
	UploadMbps   float64  `json:"up"`
	Temperature  *float64 `json:"temp,omitempty"` // nil when no sensor reported
}

// AggregateBucket is a time-windowed rollup of samples. Derived on read.
type AggregateBucket struct {
	Start          int64    `json:"start"`
	DownloadAvg    float64  `json:"download_avg"`
	DownloadMax    float64  `json:"download_max"`
	UploadAvg      float64  `json:"upload_avg"`
	UploadMax      float64  `json:"upload_max"`
	TemperatureAvg *float64 `json:"temperature_avg,omitempty"`
	Count          int      `json:"count"`
}

// Period selects a history window and its bucket width.
type Period string

const (
	Period24h Period = "24h"
	Period7d  Period = "7d"
	Period30d Period = "30d"
)

// ParsePeriod validates a period name coming from a request path.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case Period24h, Period7d, Period30d:
		return p, nil
	default:
		return "", fmt.Errorf("period %q: %w", s, ErrInvalidPeriod)
	}
}

// Window returns the look-back duration in seconds.
func (p Period) Window() int64 {
	switch p {
	case Period24h:
		return 24 * 3600
	case Period7d:
		return 7 * 24 * 3600
	case Period30d:
		return 30 * 24 * 3600
	}
	return 0
}

// BucketWidth returns the aggregation bucket width in seconds.
func (p Period) BucketWidth() int64 {
	switch p {
	case Period24h:
		return 300
	case Period7d:
		return 3600
	case Period30d:
		return 14400
	}
	return 0
}

// DefaultRetention is the maximum sample age kept by Prune callers.
const DefaultRetention = 30 * 24 * time.Hour
