package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketAgent = []byte("agent")
	bucketJobs  = []byte("jobs")

	keySession       = []byte("session")
	keyLastMessageID = []byte("last_message_id")
)

// maxJobHistory bounds the jobs bucket
const maxJobHistory = 500

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) <dataDir>/burrow.db
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "burrow.db")

	// A second agent on the same root would block here forever without a
	// timeout.
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAgent, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Session operations
func (s *BoltStore) SaveSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAgent).Put(keySession, data)
	})
}

func (s *BoltStore) GetSession() (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgent).Get(keySession)
		if data == nil {
			return fmt.Errorf("session: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgent).Delete(keySession)
	})
}

// Message cursor operations
func (s *BoltStore) SetLastMessageID(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		return tx.Bucket(bucketAgent).Put(keyLastMessageID, buf[:])
	})
}

func (s *BoltStore) LastMessageID() (int64, error) {
	var id int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgent).Get(keyLastMessageID)
		if len(data) != 8 {
			return nil
		}
		id = int64(binary.BigEndian.Uint64(data))
		return nil
	})
	return id, err
}

// Job history operations

// jobKey orders records by finish time, oldest first.
func jobKey(r *types.JobRecord) []byte {
	key := make([]byte, 8, 8+len(r.JobID))
	binary.BigEndian.PutUint64(key, uint64(r.FinishedAt.UnixNano()))
	return append(key, r.JobID...)
}

// RecordJob appends a job outcome and trims the oldest entries beyond the
// history limit.
func (s *BoltStore) RecordJob(record *types.JobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := b.Put(jobKey(record), data); err != nil {
			return err
		}

		c := b.Cursor()
		count := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		excess := count - maxJobHistory
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

// ListJobs returns up to limit records, newest first. A limit <= 0
// returns everything.
func (s *BoltStore) ListJobs(limit int) ([]*types.JobRecord, error) {
	var records []*types.JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var r types.JobRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			records = append(records, &r)
		}
		return nil
	})
	return records, err
}
