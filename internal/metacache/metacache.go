// Package metacache keeps the info dictionaries of torrents
// resolved from magnet links so that the next stream of the
// same torrent starts without asking peers for them.
package metacache

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/aeoncorex/streamx/internal/errors"
)

var bucket = []byte("info")

type Cache struct {
	db *bolt.DB
}

// Open opens or creates the cache database at path
func Open(path string) (*Cache, error) {
	var op errors.Op = "metacache.Open"

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, op, errors.IO)
	}

	return &Cache{db: db}, nil
}

// Get returns the info dict stored for infoHash. Entries
// that no longer hash to their key are ignored.
func (c *Cache) Get(infoHash [20]byte) ([]byte, bool) {
	var out []byte

	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get(infoHash[:]); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || out == nil {
		return nil, false
	}

	if sha1.Sum(out) != infoHash {
		log.Warn().Hex("infohash", infoHash[:]).Msg("Corrupt metadata cache entry")
		return nil, false
	}

	return out, true
}

func (c *Cache) Put(infoHash [20]byte, info []byte) error {
	var op errors.Op = "(*Cache).Put"

	if sha1.Sum(info) != infoHash {
		return errors.Wrap(errors.New("info dict does not match the info hash"), op, errors.BadArgument)
	}

	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(infoHash[:], info)
	})
	if err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	return nil
}

func (c *Cache) Delete(infoHash [20]byte) error {
	var op errors.Op = "(*Cache).Delete"

	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(infoHash[:])
	})
	if err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	return nil
}

// Len returns the number of cached torrents
func (c *Cache) Len() int {
	var n int
	c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucket).Stats().KeyN
		return nil
	})

	return n
}

func (c *Cache) Close() error {
	return c.db.Close()
}
