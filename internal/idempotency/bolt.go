package idempotency

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

const bucketName = "idempotency"

// BoltRegistry keeps idempotency records in a single-file BoltDB database,
// one JSON value per key. Every Begin runs inside one write transaction, so
// the check and the reservation cannot interleave.
type BoltRegistry struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltRegistry opens (or creates) the database at path and ensures the
// bucket exists.
func NewBoltRegistry(path string, now func() time.Time) (*BoltRegistry, error) {
	if now == nil {
		now = time.Now
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltRegistry{db: db, now: now}, nil
}

// Close releases the database file lock.
func (b *BoltRegistry) Close() error {
	return b.db.Close()
}

func (b *BoltRegistry) Begin(ctx context.Context, key, fingerprint string, ttl time.Duration) (*domain.IdempotencyRecord, error) {
	var existing *domain.IdempotencyRecord
	now := b.now()

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		if v := bkt.Get([]byte(key)); v != nil {
			var rec domain.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Expired(now) {
				existing = &rec
				return nil
			}
		}

		data, err := json.Marshal(domain.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			State:       domain.IdempotencyPending,
			ExpiresAt:   now.Add(ttl),
		})
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return evaluate(*existing, fingerprint)
	}
	return nil, nil
}

func (b *BoltRegistry) Complete(ctx context.Context, key, transferID string, result domain.TransferResult) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		v := bkt.Get([]byte(key))
		if v == nil {
			return ErrNotReserved
		}
		var rec domain.IdempotencyRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		complete(&rec, transferID, result)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), data)
	})
}

func (b *BoltRegistry) Release(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
}

// Sweep deletes every record that expired at or before now.
func (b *BoltRegistry) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))

		var expired [][]byte
		err := bkt.ForEach(func(k, v []byte) error {
			var rec domain.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
