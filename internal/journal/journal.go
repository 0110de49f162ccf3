// Package journal keeps a local index of issued certificates in a bbolt
// database. Records are CBOR encoded and keyed by serial number.
package journal

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var bucketIssued = []byte("issued")

var (
	// ErrNotFound is returned when no record exists for a serial.
	ErrNotFound = errors.New("journal: record not found")

	// ErrExists is returned by PutNew when the serial is already recorded.
	ErrExists = errors.New("journal: record already exists")
)

// Record describes one issued certificate.
type Record struct {
	Serial      string    `cbor:"1,keyasint"`
	Slot        string    `cbor:"2,keyasint"`
	Algorithm   string    `cbor:"3,keyasint"`
	Subject     string    `cbor:"4,keyasint"`
	NotBefore   time.Time `cbor:"5,keyasint"`
	NotAfter    time.Time `cbor:"6,keyasint"`
	Fingerprint string    `cbor:"7,keyasint"`
	IssuedAt    time.Time `cbor:"8,keyasint"`
	// Stored reports whether the certificate was written back to the token.
	Stored bool   `cbor:"9,keyasint"`
	DER    []byte `cbor:"10,keyasint,omitempty"`
}

// SerialKey normalizes a serial number to the journal key form.
func SerialKey(serial *big.Int) string {
	return serial.Text(16)
}

// Journal is a bbolt-backed record store. It is safe for concurrent use.
type Journal struct {
	db  *bolt.DB
	enc cbor.EncMode
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIssued)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, enc: enc}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Put stores or replaces a record.
func (j *Journal) Put(rec Record) error {
	return j.put(rec, true)
}

// PutNew stores a record unless one exists for its serial. The check and
// the insert run in one transaction.
func (j *Journal) PutNew(rec Record) error {
	return j.put(rec, false)
}

func (j *Journal) put(rec Record, replace bool) error {
	if rec.Serial == "" {
		return fmt.Errorf("journal: record without serial")
	}
	data, err := j.enc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: failed to encode record: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssued)
		if !replace && b.Get([]byte(rec.Serial)) != nil {
			return fmt.Errorf("%w: %s", ErrExists, rec.Serial)
		}
		return b.Put([]byte(rec.Serial), data)
	})
}

// Get returns the record for serial.
func (j *Journal) Get(serial string) (*Record, error) {
	var rec *Record
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIssued).Get([]byte(serial))
		if data == nil {
			return ErrNotFound
		}
		r, err := decode(data)
		rec = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Has reports whether a record exists for serial.
func (j *Journal) Has(serial string) (bool, error) {
	var found bool
	err := j.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketIssued).Get([]byte(serial)) != nil
		return nil
	})
	return found, err
}

// MarkStored records that the certificate was written to the token.
func (j *Journal) MarkStored(serial string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssued)
		data := b.Get([]byte(serial))
		if data == nil {
			return ErrNotFound
		}
		rec, err := decode(data)
		if err != nil {
			return err
		}
		rec.Stored = true
		out, err := j.enc.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(serial), out)
	})
}

// Filter restricts List results. Zero fields match everything.
type Filter struct {
	Slot string
}

// List returns records ordered by issuance time, oldest first.
func (j *Journal) List(f Filter) ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIssued).ForEach(func(k, v []byte) error {
			rec, err := decode(v)
			if err != nil {
				return fmt.Errorf("journal: record %s: %w", k, err)
			}
			if f.Slot != "" && rec.Slot != f.Slot {
				return nil
			}
			out = append(out, *rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].IssuedAt.Equal(out[b].IssuedAt) {
			return bytes.Compare([]byte(out[a].Serial), []byte(out[b].Serial)) < 0
		}
		return out[a].IssuedAt.Before(out[b].IssuedAt)
	})
	return out, nil
}

func decode(data []byte) (*Record, error) {
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("journal: failed to decode record: %w", err)
	}
	return &rec, nil
}
