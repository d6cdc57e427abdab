// Package audit provides a persistent, append-only history of MAAP
// notifications. Stored in a dedicated BoltDB bucket and queryable by range
// ID or time. Never used to restore protocol state on restart: every
// reserved range starts a fresh Probing cycle, as the protocol requires.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jasonjhjeon/maapd/internal/notify"
)

var (
	bucketAudit   = []byte("audit_log")
	bucketAuditID = []byte("audit_range_index") // range id -> list of audit record keys
)

// Record is a single audit log entry, a flattened notify.Notification with
// a timestamp and auto-increment ID.
type Record struct {
	ID            uint64 `json:"id"`
	Timestamp     string `json:"timestamp"`
	Sender        uint64 `json:"sender"`
	Kind          string `json:"kind"`
	RangeID       uint64 `json:"range_id"`
	Start         uint64 `json:"start,omitempty"`
	Count         uint16 `json:"count,omitempty"`
	State         string `json:"state,omitempty"`
	ConflictStart uint64 `json:"conflict_start,omitempty"`
	ConflictCount uint16 `json:"conflict_count,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// QueryParams holds filter parameters for querying the audit log.
type QueryParams struct {
	RangeID uint64    // filter by range id, 0 = no filter
	Kind    string    // filter by notification kind
	From    time.Time // range start (inclusive)
	To      time.Time // range end (inclusive)
	Limit   int       // max results (0 or negative = default of 1000)
}

// Log provides append-only audit logging for MAAP notifications.
type Log struct {
	db *bolt.DB
}

// NewLog creates a new audit log backed by BoltDB.
func NewLog(db *bolt.DB) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAudit); err != nil {
			return fmt.Errorf("creating audit bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketAuditID); err != nil {
			return fmt.Errorf("creating audit range index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Log{db: db}, nil
}

// Record converts a drained notification into an audit record and persists
// it, stamped with the time it was appended. The host calls this once per
// notification after draining the engine, not on every HandleTimer tick.
func (l *Log) Record(n notify.Notification, at time.Time) error {
	rec := Record{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Sender:    n.Sender,
		Kind:      string(n.Kind),
		RangeID:   n.ID,
		Start:     n.Start,
		Count:     n.Count,
		State:     n.State,
		Reason:    n.Reason,
	}
	if n.Conflict != nil {
		rec.ConflictStart = n.Conflict.Start
		rec.ConflictCount = n.Conflict.Count
	}
	return l.append(rec)
}

// append persists a single audit record to BoltDB with an auto-increment ID.
func (l *Log) append(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating audit ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling audit record: %w", err)
		}

		key := uint64Key(id)
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("storing audit record: %w", err)
		}

		if rec.RangeID != 0 {
			idx := tx.Bucket(bucketAuditID)
			idxKey := uint64Key(rec.RangeID)
			existing := idx.Get(idxKey)
			var ids []uint64
			if existing != nil {
				json.Unmarshal(existing, &ids)
			}
			ids = append(ids, id)
			idData, _ := json.Marshal(ids)
			idx.Put(idxKey, idData)
		}

		return nil
	})
}

// Query searches the audit log with the given parameters.
func (l *Log) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 1000
	}

	if params.RangeID != 0 {
		return l.queryByRangeID(params, limit)
	}

	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		c := b.Cursor()

		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})

	return results, err
}

// queryByRangeID uses the range index for efficient lookups.
func (l *Log) queryByRangeID(params QueryParams, limit int) ([]Record, error) {
	var results []Record

	err := l.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketAuditID)
		b := tx.Bucket(bucketAudit)

		idsData := idx.Get(uint64Key(params.RangeID))
		if idsData == nil {
			return nil
		}

		var ids []uint64
		if err := json.Unmarshal(idsData, &ids); err != nil {
			return nil
		}

		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			data := b.Get(uint64Key(ids[i]))
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})

	return results, err
}

// Count returns the total number of audit records.
func (l *Log) Count() int {
	var count int
	l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		count = b.Stats().KeyN
		return nil
	})
	return count
}

func matchesQuery(rec Record, params QueryParams) bool {
	if params.Kind != "" && rec.Kind != params.Kind {
		return false
	}

	if params.From.IsZero() && params.To.IsZero() {
		return true
	}

	recTime, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return false
	}
	if !params.From.IsZero() && recTime.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && recTime.After(params.To) {
		return false
	}

	return true
}

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}
