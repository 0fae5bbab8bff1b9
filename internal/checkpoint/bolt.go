package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/JakeFAU/streamq/internal/streaming"
)

var locationsBucket = []byte("locations")

// BoltStore keeps checkpoint metadata in a bbolt database file so query ids
// survive process restarts.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBoltStore opens (creating if needed) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(locationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint bucket: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// QueryID returns the id bound to location.
func (s *BoltStore) QueryID(_ context.Context, location string) (uuid.UUID, bool, error) {
	rec, ok, err := s.load(location)
	if err != nil || !ok || rec.QueryID == uuid.Nil {
		return uuid.Nil, false, err
	}
	return rec.QueryID, true, nil
}

// BindQueryID binds id to location, keeping any committed batch.
func (s *BoltStore) BindQueryID(_ context.Context, location string, id uuid.UUID) error {
	return s.update(location, func(rec *Record) {
		rec.QueryID = id
	})
}

// LastBatch returns the last batch committed at location.
func (s *BoltStore) LastBatch(_ context.Context, location string) (streaming.BatchCommit, bool, error) {
	rec, ok, err := s.load(location)
	if err != nil || !ok || rec.LastBatchID == noBatch {
		return streaming.BatchCommit{}, false, err
	}
	return rec.commit(), true, nil
}

// CommitBatch records commit as the latest batch committed at location.
func (s *BoltStore) CommitBatch(_ context.Context, location string, commit streaming.BatchCommit) error {
	return s.update(location, func(rec *Record) {
		rec.LastBatchID, rec.EndOffset = commit.BatchID, commit.EndOffset
	})
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close checkpoint db: %w", err)
	}
	return nil
}

func (s *BoltStore) load(location string) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(locationsBucket).Get([]byte(location))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("read checkpoint %q: %w", location, err)
	}
	return rec, found, nil
}

func (s *BoltStore) update(location string, mutate func(*Record)) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(locationsBucket)
		rec := Record{LastBatchID: noBatch}
		if raw := bucket.Get([]byte(location)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
		}
		mutate(&rec)
		rec.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return bucket.Put([]byte(location), data)
	})
	if err != nil {
		return fmt.Errorf("write checkpoint %q: %w", location, err)
	}
	return nil
}
