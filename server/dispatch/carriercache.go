package dispatch

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/blake3"
)

var carrierBucket = []byte("carriers")

// CarrierCache is a content-addressed store of encoded carriers, keyed by
// the digest of the payload image. A client retrying an upload (same
// RequestID, same bytes) gets the cached carrier back without a second
// encode pass.
type CarrierCache struct {
	db *bolt.DB
}

// OpenCarrierCache opens or creates the cache database.
func OpenCarrierCache(path string) (*CarrierCache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open carrier cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(carrierBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init carrier cache: %w", err)
	}
	return &CarrierCache{db: db}, nil
}

// Digest computes the cache key for a payload image.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached carrier for a payload digest.
func (c *CarrierCache) Get(digest string) ([]byte, bool) {
	var carrier []byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(carrierBucket).Get([]byte(digest)); v != nil {
			carrier = append([]byte(nil), v...)
		}
		return nil
	})
	return carrier, carrier != nil
}

// Put stores an encoded carrier under its payload digest.
func (c *CarrierCache) Put(digest string, carrier []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(carrierBucket).Put([]byte(digest), carrier)
	})
}

// Close closes the cache database.
func (c *CarrierCache) Close() error {
	return c.db.Close()
}
