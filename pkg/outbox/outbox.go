// Package outbox persists the node's event stream in BoltDB. Every
// published event is appended here before any live subscriber sees it,
// which makes backlog replay to reconnecting subscribers possible.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gantrylabs/gantry/pkg/types"
)

var bucketOutbox = []byte("outbox")

// Entry is the persisted record for one event.
type Entry struct {
	DeliveryID uint64    `json:"delivery_id"`
	RunID      string    `json:"run_id"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// Options bound outbox retention and reads.
type Options struct {
	RetentionCeiling int // trim starts once count exceeds this
	RetentionFloor   int // trim never drops below this
	MaxBacklogRead   int // hard cap per ReadAfter call
}

// Outbox is a single-writer append-only event log. DeliveryIds come from
// the bucket sequence inside the append transaction, so assignment order
// always matches durable order.
type Outbox struct {
	db   *bolt.DB
	opts Options
}

// Open opens (or creates) the outbox database under dataDir.
func Open(dataDir string, opts Options) (*Outbox, error) {
	dbPath := filepath.Join(dataDir, "outbox.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outbox bucket: %w", err)
	}

	return &Outbox{db: db, opts: opts}, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func seqKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// Append durably persists the event, assigns the next DeliveryId and
// returns the stamped copy. Callers must funnel appends through a single
// pipeline; the bolt update lock enforces the ordering either way.
func (o *Outbox) Append(event types.JobEvent) (types.JobEvent, error) {
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to assign delivery id: %w", err)
		}
		event.DeliveryID = id

		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		entry := Entry{
			DeliveryID: id,
			RunID:      event.RunID,
			Payload:    payload,
			CreatedAt:  time.Now().UTC(),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(seqKey(id), data)
	})
	if err != nil {
		return types.JobEvent{}, err
	}
	return event, nil
}

// ReadAfter returns up to max events with DeliveryId > after, ascending,
// plus the last id actually returned and whether more remain. max is
// clamped into [1, MaxBacklogRead].
func (o *Outbox) ReadAfter(after uint64, max int) ([]types.JobEvent, uint64, bool, error) {
	if max < 1 {
		max = 1
	}
	if max > o.opts.MaxBacklogRead {
		max = o.opts.MaxBacklogRead
	}

	var (
		events  []types.JobEvent
		lastID  = after
		hasMore bool
	)

	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()

		k, v := c.Seek(seqKey(after + 1))
		for ; k != nil; k, v = c.Next() {
			if len(events) == max {
				hasMore = true
				return nil
			}

			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("corrupt outbox entry at id %d: %w", binary.BigEndian.Uint64(k), err)
			}
			var event types.JobEvent
			if err := json.Unmarshal(entry.Payload, &event); err != nil {
				return fmt.Errorf("corrupt event payload at id %d: %w", entry.DeliveryID, err)
			}

			events = append(events, event)
			lastID = entry.DeliveryID
		}
		return nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	return events, lastID, hasMore, nil
}

// Count returns the number of persisted entries.
func (o *Outbox) Count() (int, error) {
	var n int
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOutbox).Stats().KeyN
		return nil
	})
	return n, err
}

// Trim drops the oldest entries once the count exceeds the ceiling,
// deleting down to the floor in one batch. Delivery ids are never
// reused; the sequence keeps advancing past trimmed entries.
func (o *Outbox) Trim() (int, error) {
	var removed int
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		count := b.Stats().KeyN
		if count <= o.opts.RetentionCeiling {
			return nil
		}

		toRemove := count - o.opts.RetentionFloor
		// Deletions during iteration must go through the cursor.
		c := b.Cursor()
		for k, _ := c.First(); k != nil && removed < toRemove; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
