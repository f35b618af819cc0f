package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCredentials = []byte("credentials")
	bucketSamples     = []byte("samples")
	keyAppToken       = []byte("app_token")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database, creating its directory
// when missing.
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCredentials, bucketSamples} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetAppToken() (string, error) {
	var token string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		data := b.Get(keyAppToken)
		if data == nil {
			return fmt.Errorf("app token: %w", ErrNotFound)
		}
		token = string(data)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return token, nil
}

func (s *BoltStore) SaveAppToken(token string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		return b.Put(keyAppToken, []byte(token))
	})
}

func (s *BoltStore) DeleteAppToken() error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCredentials)
		}
		return b.Delete(keyAppToken)
	})
}

// AppendSample inserts one row. Keys are the big-endian timestamp followed by
// the bucket sequence, so equal or out-of-order timestamps sort in without
// colliding.
func (s *BoltStore) AppendSample(sample Sample) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSamples)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		return b.Put(sampleKey(sample.Timestamp, seq), data)
	})
}

func (s *BoltStore) QueryAggregate(period Period, now time.Time) ([]AggregateBucket, error) {
	width := period.BucketWidth()
	if width == 0 {
		return nil, fmt.Errorf("period %q: %w", period, ErrInvalidPeriod)
	}
	start := now.Unix() - period.Window()
	if start < 0 {
		start = 0
	}

	buckets := make([]AggregateBucket, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSamples)
		}

		var acc *bucketAccumulator
		c := b.Cursor()
		for k, v := c.Seek(sampleKey(start, 0)); k != nil; k, v = c.Next() {
			var sample Sample
			if err := json.Unmarshal(v, &sample); err != nil {
				return fmt.Errorf("decode sample %x: %w", k, err)
			}
			bucketStart := floorDiv(sample.Timestamp, width) * width
			if acc == nil || acc.start != bucketStart {
				if acc != nil {
					buckets = append(buckets, acc.result())
				}
				acc = &bucketAccumulator{start: bucketStart}
			}
			acc.add(sample)
		}
		if acc != nil {
			buckets = append(buckets, acc.result())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query aggregate: %w", ErrStorage, err)
	}
	return buckets, nil
}

func (s *BoltStore) Prune(cutoff time.Time) (int, error) {
	limit := cutoff.Unix()
	deleted := 0
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSamples)
		}

		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if keyTimestamp(k) >= limit {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(stale)
		return nil
	})
	return deleted, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// update runs fn in a write transaction, tagging failures with ErrStorage.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func sampleKey(ts int64, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(ts))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

func keyTimestamp(k []byte) int64 {
	if len(k) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k[:8]))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

type bucketAccumulator struct {
	start            int64
	n                int
	sumDown, maxDown float64
	sumUp, maxUp     float64
	sumTemp          float64
	nTemp            int
}

func (a *bucketAccumulator) add(s Sample) {
	if a.n == 0 || s.DownloadMbps > a.maxDown {
		a.maxDown = s.DownloadMbps
	}
	if a.n == 0 || s.UploadMbps > a.maxUp {
		a.maxUp = s.UploadMbps
	}
	a.n++
	a.sumDown += s.DownloadMbps
	a.sumUp += s.UploadMbps
	if s.Temperature != nil {
		a.sumTemp += *s.Temperature
		a.nTemp++
	}
}

func (a *bucketAccumulator) result() AggregateBucket {
	b := AggregateBucket{
		Start:       a.start,
		DownloadAvg: a.sumDown / float64(a.n),
		DownloadMax: a.maxDown,
		UploadAvg:   a.sumUp / float64(a.n),
		UploadMax:   a.maxUp,
		Count:       a.n,
	}
	// Averages can exceed the max by a rounding ulp when all values are equal.
	b.DownloadAvg = min(b.DownloadAvg, b.DownloadMax)
	b.UploadAvg = min(b.UploadAvg, b.UploadMax)
	if a.nTemp > 0 {
		t := a.sumTemp / float64(a.nTemp)
		b.TemperatureAvg = &t
	}
	return b
}
