package notification

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketResolutions = []byte("resolutions")

// AuditSink durably records resolutions.
type AuditSink interface {
	Record(ctx context.Context, r Resolution) error
}

// BoltAudit appends resolutions to a bbolt file in resolution order.
type BoltAudit struct {
	db *bolt.DB
}

// OpenBoltAudit opens (creating if needed) the audit file at path.
func OpenBoltAudit(path string, options *bolt.Options) (*BoltAudit, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("notification: open audit: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResolutions)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notification: init audit: %w", err)
	}
	return &BoltAudit{db: db}, nil
}

func (a *BoltAudit) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *BoltAudit) Record(_ context.Context, r Resolution) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("notification: encode resolution: %w", err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResolutions)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, raw)
	})
}

// List returns up to limit of the most recent resolutions, oldest first. A
// non-positive limit returns everything.
func (a *BoltAudit) List(_ context.Context, limit int) ([]Resolution, error) {
	var out []Resolution
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResolutions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var r Resolution
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("notification: list audit: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
