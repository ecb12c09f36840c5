package marshal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"
)

// Set of buckets in the archive. Finalization records are immutable, the
// block bodies can be pruned.
var (
	bucketFinalizations = []byte("finalizations")
	bucketBlocks        = []byte("blocks")
	bucketHeights       = []byte("heights")
	bucketMeta          = []byte("meta")

	keyTip        = []byte("tip")
	keyContiguous = []byte("contiguous")
	keyDelivered  = []byte("delivered")
	keyPruned     = []byte("pruned")
)

// archive wraps the bbolt file holding both archives.
type archive struct {
	db *bolt.DB
}

func openArchive(path string) (*archive, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFinalizations, bucketBlocks, bucketHeights, bucketMeta} {
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

	return &archive{db: db}, nil
}

func (a *archive) close() error {
	return a.db.Close()
}

// put writes the body, its record, and the new tip in one transaction.
// An existing record is never rewritten.
func (a *archive) put(block database.Block, rec Record, contiguous uint64) error {
	body, err := block.Encode()
	if err != nil {
		return err
	}

	recData, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return a.db.Update(func(tx *bolt.Tx) error {
		fins := tx.Bucket(bucketFinalizations)
		if fins.Get(u64(rec.Height)) != nil {
			return nil
		}

		if err := tx.Bucket(bucketBlocks).Put(rec.Digest[:], snappy.Encode(nil, body)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHeights).Put(rec.Digest[:], u64(rec.Height)); err != nil {
			return err
		}
		if err := fins.Put(u64(rec.Height), recData); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		if tip := readU64(meta.Get(keyTip)); rec.Height > tip {
			if err := meta.Put(keyTip, u64(rec.Height)); err != nil {
				return err
			}
		}
		return meta.Put(keyContiguous, u64(contiguous))
	})
}

// setContiguous records how far the archive is complete from genesis.
func (a *archive) setContiguous(height uint64) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyContiguous, u64(height))
	})
}

func (a *archive) record(height uint64) (Record, bool, error) {
	var rec Record
	var exists bool
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFinalizations).Get(u64(height))
		if data == nil {
			return nil
		}
		exists = true
		return json.Unmarshal(data, &rec)
	})
	return rec, exists, err
}

// nextRecord returns the lowest record above the height.
func (a *archive) nextRecord(height uint64) (Record, bool, error) {
	var rec Record
	var exists bool
	err := a.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bucketFinalizations).Cursor().Seek(u64(height + 1))
		if k == nil {
			return nil
		}
		exists = true
		return json.Unmarshal(v, &rec)
	})
	return rec, exists, err
}

// lastFinalization returns the highest record carrying a finalization.
func (a *archive) lastFinalization() (Record, bool, error) {
	var rec Record
	var exists bool
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFinalizations).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Finalization != nil {
				rec, exists = r, true
				return nil
			}
		}
		return nil
	})
	return rec, exists, err
}

// body returns the raw encoding of the block with the digest.
func (a *archive) body(digest signature.Digest) ([]byte, error) {
	var body []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlocks).Get(digest[:])
		if data == nil {
			return ErrNotFound
		}

		var err error
		body, err = snappy.Decode(nil, data)
		return err
	})
	return body, err
}

func (a *archive) block(digest signature.Digest) (database.Block, error) {
	body, err := a.body(digest)
	if err != nil {
		return database.Block{}, err
	}
	return database.DecodeBlock(body)
}

// height returns the height a finalized digest was stored at.
func (a *archive) height(digest signature.Digest) (uint64, bool, error) {
	var height uint64
	var exists bool
	err := a.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketHeights).Get(digest[:]); data != nil {
			height, exists = readU64(data), true
		}
		return nil
	})
	return height, exists, err
}

func (a *archive) meta(key []byte) (uint64, error) {
	var v uint64
	err := a.db.View(func(tx *bolt.Tx) error {
		v = readU64(tx.Bucket(bucketMeta).Get(key))
		return nil
	})
	return v, err
}

func (a *archive) setMeta(key []byte, v uint64) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(key, u64(v))
	})
}

// prune deletes the bodies from the last pruned height up to the height.
// The records and the digest index stay.
func (a *archive) prune(upTo uint64) (int, error) {
	var deleted int
	err := a.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		fins := tx.Bucket(bucketFinalizations)
		blocks := tx.Bucket(bucketBlocks)

		from := readU64(meta.Get(keyPruned))
		for h := from + 1; h <= upTo; h++ {
			data := fins.Get(u64(h))
			if data == nil {
				continue
			}

			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if err := blocks.Delete(rec.Digest[:]); err != nil {
				return err
			}
			deleted++
		}

		if upTo > from {
			return meta.Put(keyPruned, u64(upTo))
		}
		return nil
	})
	return deleted, err
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func readU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
