// Package storage persists sampled portfolio values locally so risk metrics
// can be computed without the remote history endpoint.
//
// It uses BoltDB as the underlying storage engine. Points are grouped into
// named series and keyed by timestamp for efficient range scans.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"portfolio-pulse/internal/risk"

	"go.etcd.io/bbolt"
)

const (
	dbFile       = "portfolio-pulse.db"
	pointsBucket = "points" // Bucket name for series points
)

// Store provides persistent storage for HistoricalPoint series using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database under dataPath.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(pointsBucket)); err != nil {
			return fmt.Errorf("create points bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StorePoint writes point into series. A point with the same timestamp
// replaces the previous one.
func (s *Store) StorePoint(series string, point risk.HistoricalPoint) error {
	if series == "" {
		return fmt.Errorf("series name is required")
	}
	if point.Date.IsZero() {
		return fmt.Errorf("point date is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pointsBucket))

		data, err := json.Marshal(point)
		if err != nil {
			return fmt.Errorf("marshal point: %w", err)
		}
		return b.Put(pointKey(series, point.Date), data)
	})
}

// GetPoints returns the points of series within [start, end], ascending by date.
func (s *Store) GetPoints(series string, start, end time.Time) ([]risk.HistoricalPoint, error) {
	var points []risk.HistoricalPoint

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(pointsBucket)).Cursor()

		prefix := []byte(series + "_")
		endKey := pointKey(series, end)

		for k, v := c.Seek(pointKey(series, start)); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}

			var p risk.HistoricalPoint
			if err := json.Unmarshal(v, &p); err != nil {
				continue // Skip malformed records
			}
			points = append(points, p)
		}
		return nil
	})

	return points, err
}

// Prune deletes the points of series dated strictly before cutoff and
// returns how many were removed.
func (s *Store) Prune(series string, cutoff time.Time) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pointsBucket))
		c := b.Cursor()

		prefix := []byte(series + "_")
		cutoffKey := pointKey(series, cutoff)

		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.Compare(k, cutoffKey) < 0; k, _ = c.Next() {
			if bytes.HasPrefix(k, prefix) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
			removed++
		}
		return nil
	})

	return removed, err
}

// pointKey zero-pads the timestamp so lexical order matches time order.
func pointKey(series string, t time.Time) []byte {
	return []byte(fmt.Sprintf("%s_%020d", series, t.UnixNano()))
}
