package persist

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is the production blob store, one bbolt database file shared
// by all devices with a bucket per namespace. Each SetBlob runs in its
// own write transaction so the commit-per-call atomicity of the BlobStore
// contract holds.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the blob store database.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Namespace returns a BlobStore view scoped to one bucket.
func (s *BoltStore) Namespace(name string) BlobStore {
	return &boltNamespace{db: s.db, bucket: []byte(name)}
}

type boltNamespace struct {
	db     *bolt.DB
	bucket []byte
}

func (n *boltNamespace) GetBlob(key string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := n.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(n.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out = make([]byte, len(v))
			copy(out, v)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return out, found, nil
}

func (n *boltNamespace) SetBlob(key string, data []byte) error {
	err := n.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(n.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	return nil
}

func (n *boltNamespace) EraseAll() error {
	err := n.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(n.bucket) == nil {
			return nil
		}
		return tx.DeleteBucket(n.bucket)
	})
	if err != nil {
		return fmt.Errorf("failed to erase namespace %s: %w", n.bucket, err)
	}
	return nil
}
