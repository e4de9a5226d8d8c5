package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"GaslessRelayer/internal/model"
)

var (
	bucketLedger = []byte("ledger")
	keyState     = []byte("state")
)

// BoltStore keeps the ledger document under a single bbolt key.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLedger)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load reads the ledger document.
func (b *BoltStore) Load() (*model.LedgerState, error) {
	var data []byte
	if err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketLedger).Get(keyState); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrStateNotFound
	}
	return decodeState(data)
}

// Save replaces the ledger document in one transaction.
func (b *BoltStore) Save(state *model.LedgerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLedger).Put(keyState, data)
	})
}

// Close releases the database handle.
func (b *BoltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
