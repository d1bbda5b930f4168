// Package journal persists the set of pending timers so a NightWatch daemon
// can re-register them after a restart. Handlers are not persistable; the
// journal records only what is needed to rebuild the registration — trigger
// time, creation time, and the caller payload — keyed by the timer's public
// ID. The engine writes an entry on schedule and deletes it on fire or
// cancel, so at any moment the journal holds exactly the undelivered timers.
//
// bbolt backs the journal because it is pure Go, ACID, and a single file in
// the data directory; a crash can never leave a half-written entry.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketTimers = []byte("timers")

// ErrNotFound is returned by Get for an unknown timer ID.
var ErrNotFound = errors.New("journal: timer not found")

// Record is one persisted pending timer.
type Record struct {
	// TriggerAtMs is the UTC millisecond the timer is due.
	TriggerAtMs int64
	// CreatedAtMs is the UTC millisecond the timer was scheduled.
	CreatedAtMs int64
	// Payload is the caller's opaque payload, echoed back on fire.
	Payload []byte
}

// Journal is a bbolt-backed store of pending timer records.
type Journal struct {
	db *bbolt.DB
}

// Open opens (or creates) the journal file at path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTimers)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: init bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Put upserts the record for id.
func (j *Journal) Put(id string, rec Record) error {
	val := marshalRecord(rec)
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTimers).Put([]byte(id), val)
	})
}

// Get retrieves the record for id, or ErrNotFound.
func (j *Journal) Get(id string) (Record, error) {
	var rec Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketTimers).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		var err error
		rec, err = unmarshalRecord(val)
		return err
	})
	return rec, err
}

// Delete removes the record for id. Deleting an absent id is not an error.
func (j *Journal) Delete(id string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTimers).Delete([]byte(id))
	})
}

// ForEach calls fn for every record, in ID order. Iteration stops early if fn
// returns a non-nil error. Used for recovery on daemon start.
func (j *Journal) ForEach(fn func(id string, rec Record) error) error {
	return j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTimers).ForEach(func(k, v []byte) error {
			rec, err := unmarshalRecord(v)
			if err != nil {
				return err
			}
			return fn(string(k), rec)
		})
	})
}

// Len returns the number of persisted records.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketTimers).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// ---- serialisation ----------------------------------------------------------
// Records are a compact binary structure:
//
//	[triggerAtMs : 8 bytes, int64 ]
//	[createdAtMs : 8 bytes, int64 ]
//	[payloadLen  : 4 bytes, uint32]
//	[payload     : payloadLen bytes]

func marshalRecord(rec Record) []byte {
	buf := make([]byte, 8+8+4+len(rec.Payload))
	binary.BigEndian.PutUint64(buf[0:], uint64(rec.TriggerAtMs))
	binary.BigEndian.PutUint64(buf[8:], uint64(rec.CreatedAtMs))
	binary.BigEndian.PutUint32(buf[16:], uint32(len(rec.Payload)))
	copy(buf[20:], rec.Payload)
	return buf
}

func unmarshalRecord(buf []byte) (Record, error) {
	if len(buf) < 20 {
		return Record{}, fmt.Errorf("journal: record too short (%d bytes)", len(buf))
	}
	payloadLen := binary.BigEndian.Uint32(buf[16:])
	if int(payloadLen) != len(buf)-20 {
		return Record{}, fmt.Errorf("journal: payload length %d does not match buffer", payloadLen)
	}
	rec := Record{
		TriggerAtMs: int64(binary.BigEndian.Uint64(buf[0:])),
		CreatedAtMs: int64(binary.BigEndian.Uint64(buf[8:])),
	}
	if payloadLen > 0 {
		rec.Payload = make([]byte, payloadLen)
		copy(rec.Payload, buf[20:])
	}
	return rec, nil
}
