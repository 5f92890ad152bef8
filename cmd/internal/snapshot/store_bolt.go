package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketMessages  = []byte("messages")
	bucketMsgIndex  = []byte("message_ids")
)

// snapshot record layout: version (8 bytes BE) | updated unix ms (8 bytes BE) | PNG bytes.
const boltSnapHeader = 16

// BoltStore is an embedded single-file Store backed by bbolt.
//
// Layout:
//   - snapshots/<sessionID>              -> header + data
//   - messages/<sessionID>/<seq BE>      -> JSON Message (bucket per session, seq from NextSequence)
//   - message_ids/<sessionID>/<messageID> -> seq BE
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if needed) the bbolt file at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}
	s := &BoltStore{db: db}
	if err := s.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketMessages, bucketMsgIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

// GetSnapshot returns the stored snapshot or ErrNotFound.
func (s *BoltStore) GetSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := checkSessionID(sessionID); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	var out Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(sessionID))
		if v == nil {
			return ErrNotFound
		}
		if len(v) < boltSnapHeader {
			return fmt.Errorf("corrupt snapshot record for %q", sessionID)
		}
		out = Snapshot{
			SessionID: sessionID,
			Version:   int64(binary.BigEndian.Uint64(v[0:8])),
			UpdatedAt: time.UnixMilli(int64(binary.BigEndian.Uint64(v[8:16]))).UTC(),
			// bbolt values are only valid inside the transaction.
			Data: append([]byte(nil), v[boltSnapHeader:]...),
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return out, nil
}

// PutSnapshot overwrites the snapshot and returns the new version.
func (s *BoltStore) PutSnapshot(ctx context.Context, sessionID string, data []byte) (int64, error) {
	if err := checkSnapshot(sessionID, data); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var version int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		key := []byte(sessionID)
		if prev := b.Get(key); len(prev) >= boltSnapHeader {
			version = int64(binary.BigEndian.Uint64(prev[0:8]))
		}
		version++

		rec := make([]byte, boltSnapHeader+len(data))
		binary.BigEndian.PutUint64(rec[0:8], uint64(version))
		binary.BigEndian.PutUint64(rec[8:16], uint64(time.Now().UTC().UnixMilli()))
		copy(rec[boltSnapHeader:], data)
		return b.Put(key, rec)
	})
	if err != nil {
		return 0, fmt.Errorf("put snapshot: %w", err)
	}
	return version, nil
}

// ListMessages returns the newest limit messages in append order.
func (s *BoltStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	out := make([]Message, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		// Walk backwards from the newest entry, then reverse.
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListMessagesAfter returns up to limit messages after afterSeq in append order.
// Keys are big-endian seqs, so a cursor seek lands on the first newer entry.
func (s *BoltStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	if afterSeq < 0 {
		afterSeq = 0
	}

	start := make([]byte, 8)
	binary.BigEndian.PutUint64(start, uint64(afterSeq)+1)

	out := make([]Message, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(start); k != nil && len(out) < limit; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage appends m unless its ID was already stored for the session.
func (s *BoltStore) AppendMessage(ctx context.Context, m Message) (AppendResult, error) {
	m, err := normalizeMessage(m)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	var res AppendResult
	err = s.db.Update(func(tx *bbolt.Tx) error {
		idx, err := tx.Bucket(bucketMsgIndex).CreateBucketIfNotExists([]byte(m.SessionID))
		if err != nil {
			return err
		}
		msgs, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(m.SessionID))
		if err != nil {
			return err
		}

		if seqKey := idx.Get([]byte(m.ID)); seqKey != nil {
			v := msgs.Get(seqKey)
			if v == nil {
				return fmt.Errorf("dangling message index for %q", m.ID)
			}
			var existing Message
			if err := json.Unmarshal(v, &existing); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			res = AppendResult{Stored: existing, Duplicated: true}
			return nil
		}

		seq, err := msgs.NextSequence()
		if err != nil {
			return err
		}
		m.Seq = int64(seq)

		v, err := json.Marshal(m)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := msgs.Put(key, v); err != nil {
			return err
		}
		if err := idx.Put([]byte(m.ID), key); err != nil {
			return err
		}
		res = AppendResult{Stored: m}
		return nil
	})
	if err != nil {
		return AppendResult{}, fmt.Errorf("append message: %w", err)
	}
	return res, nil
}

// Ping reports whether the database is open.
func (s *BoltStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("snapshot: nil store")
	}
	return s.db.View(func(*bbolt.Tx) error { return ctx.Err() })
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
