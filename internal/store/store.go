package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist in the store.
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps failures of the underlying database.
	ErrStorage = errors.New("storage error")
	// ErrInvalidPeriod is returned for history periods other than 24h, 7d and 30d.
	ErrInvalidPeriod = errors.New("invalid period")
)

// CredentialStore persists the router's long-lived application token.
type CredentialStore interface {
	GetAppToken() (string, error)
	SaveAppToken(token string) error
	DeleteAppToken() error
}

// SampleStore is the append-only bandwidth/temperature time series.
type SampleStore interface {
	AppendSample(s Sample) error

	// QueryAggregate returns the buckets of every sample at or after
	// now-window, ordered by ascending bucket start. Samples dated after now
	// are included.
	QueryAggregate(period Period, now time.Time) ([]AggregateBucket, error)

	// Prune deletes samples strictly older than cutoff and reports how many
	// were removed.
	Prune(cutoff time.Time) (int, error)
}

// Store defines the persistence interface.
type Store interface {
	CredentialStore
	SampleStore

	// Close the store
	Close() error
}
