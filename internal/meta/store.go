package meta

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store is the durable lease journal shared by processes using the same
// datastore, so an endpoint can be reused until its lease runs out.
type Store interface {
	RecordLease(ctx context.Context, rec LeaseRecord) error
	LookupLease(ctx context.Context, dataset, key string) (*LeaseRecord, error)
	DeleteLease(ctx context.Context, dataset, key string) error
	ListLeases(ctx context.Context, dataset string) ([]LeaseRecord, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB lease journal.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &BoltStore{db: db, logger: logger.Named("journal")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketDatasets); err != nil {
			return err
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func (s *BoltStore) ensureDatasetBuckets(tx *bbolt.Tx, dataset string) (*bbolt.Bucket, error) {
	datasets, err := tx.CreateBucketIfNotExists(bucketDatasets)
	if err != nil {
		return nil, err
	}
	db, err := datasets.CreateBucketIfNotExists(datasetBucketName(dataset))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{subBucketLeases, subBucketExpiryIndex} {
		if _, err := db.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (s *BoltStore) getDatasetBucket(tx *bbolt.Tx, dataset string) *bbolt.Bucket {
	datasets := tx.Bucket(bucketDatasets)
	if datasets == nil {
		return nil
	}
	return datasets.Bucket(datasetBucketName(dataset))
}

// RecordLease stores rec, replacing any previous record for the same key.
func (s *BoltStore) RecordLease(_ context.Context, rec LeaseRecord) error {
	if rec.Key == "" {
		return fmt.Errorf("lease record without session key")
	}
	data, err := encodeRecord(&rec)
	if err != nil {
		return fmt.Errorf("encoding lease record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		db, err := s.ensureDatasetBuckets(tx, rec.Dataset)
		if err != nil {
			return err
		}
		if err := removeLease(db, rec.Key); err != nil {
			return err
		}

		if err := db.Bucket(subBucketLeases).Put([]byte(rec.Key), data); err != nil {
			return err
		}
		if rec.Bounded() {
			idx := db.Bucket(subBucketExpiryIndex)
			if err := idx.Put(expiryKey(rec.ExpiresAt, rec.Key), []byte(rec.Key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LookupLease returns the record for key, or nil when none is stored.
func (s *BoltStore) LookupLease(_ context.Context, dataset, key string) (*LeaseRecord, error) {
	var rec *LeaseRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		db := s.getDatasetBucket(tx, dataset)
		if db == nil {
			return nil
		}
		raw := db.Bucket(subBucketLeases).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var err error
		rec, err = decodeRecord(raw)
		return err
	})
	return rec, err
}

// DeleteLease removes the record for key. Missing records are ignored.
func (s *BoltStore) DeleteLease(_ context.Context, dataset, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		db := s.getDatasetBucket(tx, dataset)
		if db == nil {
			return nil
		}
		return removeLease(db, key)
	})
}

// ListLeases returns every record for dataset in key order.
func (s *BoltStore) ListLeases(_ context.Context, dataset string) ([]LeaseRecord, error) {
	var recs []LeaseRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		db := s.getDatasetBucket(tx, dataset)
		if db == nil {
			return nil
		}
		return db.Bucket(subBucketLeases).ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			recs = append(recs, *rec)
			return nil
		})
	})
	return recs, err
}

// DeleteExpired removes every bounded record whose deadline is not after now,
// across all datasets, and returns how many were removed.
func (s *BoltStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		if datasets == nil {
			return nil
		}

		var names [][]byte
		if err := datasets.ForEach(func(k, v []byte) error {
			if v == nil {
				names = append(names, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, name := range names {
			db := datasets.Bucket(name)
			idx := db.Bucket(subBucketExpiryIndex)
			if idx == nil {
				continue
			}
			var expired [][]byte
			c := idx.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if expiryFromKey(k).After(now) {
					break
				}
				expired = append(expired, append([]byte(nil), v...))
			}
			for _, key := range expired {
				if err := removeLease(db, string(key)); err != nil {
					return err
				}
				removed++
			}
		}

		sys := tx.Bucket(bucketSystem)
		return sys.Put(keyLastGC, int64ToBytes(now.UnixNano()))
	})
	if err == nil && removed > 0 {
		s.logger.Debug("expired leases removed", zap.Int("count", removed))
	}
	return removed, err
}

// Count returns the number of records across all datasets.
func (s *BoltStore) Count(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		if datasets == nil {
			return nil
		}
		return datasets.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			if leases := datasets.Bucket(k).Bucket(subBucketLeases); leases != nil {
				n += leases.Stats().KeyN
			}
			return nil
		})
	})
	return n, err
}

// removeLease deletes the record for key together with its index entry.
func removeLease(db *bbolt.Bucket, key string) error {
	leases := db.Bucket(subBucketLeases)
	raw := leases.Get([]byte(key))
	if raw == nil {
		return nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	if rec.Bounded() {
		if idx := db.Bucket(subBucketExpiryIndex); idx != nil {
			if err := idx.Delete(expiryKey(rec.ExpiresAt, key)); err != nil {
				return err
			}
		}
	}
	return leases.Delete([]byte(key))
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
