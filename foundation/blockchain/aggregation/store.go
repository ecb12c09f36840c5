package aggregation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	bolt "go.etcd.io/bbolt"
)

// Set of buckets in the certificate store.
var (
	bucketSummaries    = []byte("summaries")
	bucketCertificates = []byte("certificates")
	bucketBundles      = []byte("bundles")
	bucketMeta         = []byte("meta")

	keyCursor = []byte("upload_cursor")
)

// store persists summaries, certificates, the bundles waiting to be
// uploaded, and the upload cursor.
type store struct {
	db *bolt.DB
}

func openStore(path string) (*store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening certificate store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSummaries, bucketCertificates, bucketBundles, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &store{db: db}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

// lastSummary returns the highest height with a stored summary.
func (s *store) lastSummary() (uint64, error) {
	var height uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketSummaries).Cursor().Last()
		if k != nil {
			height = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return height, err
}

// putSummary stores the summary and, when there is an indexer to feed,
// the bundle for the uploader.
func (s *store) putSummary(sum database.Summary, bundle Bundle, keepBundle bool) error {
	sumData, err := json.Marshal(sum)
	if err != nil {
		return err
	}

	var bundleData []byte
	if keepBundle {
		if bundleData, err = json.Marshal(bundle); err != nil {
			return err
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSummaries).Put(heightKey(sum.Height), sumData); err != nil {
			return err
		}
		if keepBundle {
			return tx.Bucket(bucketBundles).Put(heightKey(sum.Height), bundleData)
		}
		return nil
	})
}

func (s *store) summary(height uint64) (database.Summary, error) {
	var sum database.Summary
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSummaries).Get(heightKey(height))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sum)
	})
	return sum, err
}

func (s *store) bundle(height uint64) (Bundle, error) {
	var b Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundles).Get(heightKey(height))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &b)
	})
	return b, err
}

func (s *store) putCertificate(cert FixedCertificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).Put(heightKey(cert.Height), cert.Encode())
	})
}

func (s *store) hasCertificate(height uint64) bool {
	var exists bool
	s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketCertificates).Get(heightKey(height)) != nil
		return nil
	})
	return exists
}

func (s *store) certificate(height uint64) (FixedCertificate, error) {
	var cert FixedCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCertificates).Get(heightKey(height))
		if data == nil {
			return ErrNotFound
		}

		// bolt owns the memory, decoding copies everything out.
		var err error
		cert, err = DecodeFixedCertificate(data)
		return err
	})
	return cert, err
}

// cursor returns the last height the indexer accepted.
func (s *store) cursor() (uint64, error) {
	var height uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyCursor)
		if data != nil {
			height = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return height, err
}

// advance moves the cursor past the height and drops its bundle.
func (s *store) advance(height uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMeta).Put(keyCursor, heightKey(height)); err != nil {
			return err
		}
		return tx.Bucket(bucketBundles).Delete(heightKey(height))
	})
}

func heightKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, height)
}
