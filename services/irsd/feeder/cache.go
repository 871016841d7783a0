package feeder

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketObservations = []byte("observations")

// Record is the last observation posted for a source.
type Record struct {
	Source    string    `json:"source"`
	Reporter  string    `json:"reporter"`
	Rate      string    `json:"rate"`
	UpdatedAt uint64    `json:"updatedAt"`
	PostedAt  time.Time `json:"postedAt"`
}

// Cache persists the last posted observation per source so restarts do not
// repost stale readings.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens (and migrates) the BoltDB-backed cache at path.
func OpenCache(path string, options *bolt.Options) (*Cache, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObservations)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Last returns the cached record for source.
func (c *Cache) Last(source string) (Record, bool, error) {
	var out Record
	if c == nil || c.db == nil {
		return out, false, errors.New("feeder: cache not configured")
	}
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketObservations).Get(cacheKey(source))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	return out, found, err
}

// Put stores rec, replacing any previous record for the same source.
func (c *Cache) Put(rec Record) error {
	if c == nil || c.db == nil {
		return errors.New("feeder: cache not configured")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObservations).Put(cacheKey(rec.Source), payload)
	})
}

func cacheKey(source string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(source)))
}
