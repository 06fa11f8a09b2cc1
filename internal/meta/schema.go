package meta

import (
	"encoding/binary"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketDatasets   = []byte("datasets")
	keySchemaVersion = []byte("schema_version")
	keyLastGC        = []byte("last_gc")
	subBucketLeases  = []byte("leases")

	// Schema v2: expiry index for GC
	subBucketExpiryIndex = []byte("expiry_index")
)

const currentSchemaVersion = 2

// defaultDataset names the bucket used when no dataset id is configured.
const defaultDataset = "_default"

// LeaseRecord is the persisted form of an active lease.
type LeaseRecord struct {
	_          struct{} `cbor:",toarray"`
	Dataset    string
	Key        string
	BaseURL    string
	Endpoint   string
	Resolution [3]int
	Version    string
	Access     string
	Timeout    time.Duration
	ExpiresAt  time.Time
	AcquiredAt time.Time
}

// Bounded reports whether the lease carries an expiry deadline.
func (r *LeaseRecord) Bounded() bool {
	return !r.ExpiresAt.IsZero()
}

// Expired reports whether the lease deadline has passed at now.
func (r *LeaseRecord) Expired(now time.Time) bool {
	return r.Bounded() && !now.Before(r.ExpiresAt)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCoreDeterministic,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeRecord(rec *LeaseRecord) ([]byte, error) {
	return encMode.Marshal(rec)
}

func decodeRecord(data []byte) (*LeaseRecord, error) {
	var rec LeaseRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// expiryKey orders index entries by deadline, then session key.
func expiryKey(expiresAt time.Time, key string) []byte {
	return append(int64ToBytes(expiresAt.UnixNano()), key...)
}

func expiryFromKey(k []byte) time.Time {
	return time.Unix(0, int64(bytesToUint64(k[:8])))
}

func datasetBucketName(dataset string) []byte {
	if dataset == "" {
		return []byte(defaultDataset)
	}
	return []byte(dataset)
}
