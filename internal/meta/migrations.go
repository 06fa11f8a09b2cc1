package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 adds the expiry index to every dataset bucket and backfills
// it from the stored lease records.
func (s *BoltStore) migrateV1toV2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		if datasets != nil {
			err := datasets.ForEach(func(k, v []byte) error {
				// v != nil means a plain key, not a nested bucket
				if v != nil {
					return nil
				}
				db := datasets.Bucket(k)
				if db == nil {
					return nil
				}
				idx, err := db.CreateBucketIfNotExists(subBucketExpiryIndex)
				if err != nil {
					return err
				}
				leases := db.Bucket(subBucketLeases)
				if leases == nil {
					return nil
				}
				return leases.ForEach(func(key, raw []byte) error {
					rec, err := decodeRecord(raw)
					if err != nil {
						return err
					}
					if !rec.Bounded() {
						return nil
					}
					return idx.Put(expiryKey(rec.ExpiresAt, string(key)), append([]byte(nil), key...))
				})
			})
			if err != nil {
				return err
			}
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}
