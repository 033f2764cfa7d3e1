package agent

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")

	keyClientID     = []byte("client_id")
	keyLastSyncTime = []byte("last_sync_time")
)

var (
	// ErrStoreClosed is returned by every Store method after Close.
	ErrStoreClosed = errors.New("agent: store closed")
	// ErrBucketMissing means the store file lacks a required bucket.
	ErrBucketMissing = errors.New("agent: bucket not found")
)

// entryRecord is the persisted per-user state. Tombstones stay in the bucket
// so an ADD replayed after its REMOVE still loses.
type entryRecord struct {
	UserID              int64  `json:"user_id"`
	AddedBy             int64  `json:"added_by"`
	Reason              string `json:"reason,omitempty"`
	CreatedAtUS         int64  `json:"created_at_us"`
	LastOperationTimeUS int64  `json:"last_operation_time_us"`
	LastOperationID     int64  `json:"last_operation_id"`
	Removed             bool   `json:"removed"`
}

func (record entryRecord) version() blacklist.Version {
	return blacklist.Version{Time: blacklist.OperationTime(record.LastOperationTimeUS), ID: record.LastOperationID}
}

func (record entryRecord) toEntry() blacklist.BlacklistEntry {
	return blacklist.BlacklistEntry{
		UserID:            blacklist.UserID(record.UserID),
		AddedBy:           blacklist.OperatorID(record.AddedBy),
		Reason:            record.Reason,
		CreatedAt:         blacklist.OperationTime(record.CreatedAtUS).Time(),
		UpdatedAt:         blacklist.OperationTime(record.LastOperationTimeUS).Time(),
		LastOperationTime: blacklist.OperationTime(record.LastOperationTimeUS),
		LastOperationID:   record.LastOperationID,
	}
}

// Store is the agent's local snapshot and cursor, kept in a bbolt file.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens or creates the bbolt file at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return store, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// EnsureClientID returns the persisted client id, generating one on first use.
func (s *Store) EnsureClientID(provider blacklist.ClientIDProvider) (blacklist.ClientID, error) {
	if s.db == nil {
		return "", ErrStoreClosed
	}

	var clientID blacklist.ClientID
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := bucket(tx, bucketMeta)
		if err != nil {
			return err
		}
		if stored := meta.Get(keyClientID); stored != nil {
			clientID, err = blacklist.NewClientID(string(stored))
			return err
		}

		generated, err := provider.NewClientID()
		if err != nil {
			return fmt.Errorf("failed to generate client id: %w", err)
		}
		if err := meta.Put(keyClientID, []byte(generated.String())); err != nil {
			return fmt.Errorf("failed to save client id: %w", err)
		}
		clientID = generated
		return nil
	})
	if err != nil {
		return "", err
	}
	return clientID, nil
}

// LastSyncTime returns the local cursor; Epoch before the first sync.
func (s *Store) LastSyncTime() (blacklist.OperationTime, error) {
	if s.db == nil {
		return blacklist.Epoch, ErrStoreClosed
	}

	cursor := blacklist.Epoch
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta, err := bucket(tx, bucketMeta)
		if err != nil {
			return err
		}
		if raw := meta.Get(keyLastSyncTime); raw != nil {
			cursor = blacklist.OperationTime(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	if err != nil {
		return blacklist.Epoch, fmt.Errorf("failed to get last sync time: %w", err)
	}
	return cursor, nil
}

// SaveLastSyncTime moves the local cursor forward. An older time is ignored.
func (s *Store) SaveLastSyncTime(lastSyncTime blacklist.OperationTime) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := bucket(tx, bucketMeta)
		if err != nil {
			return err
		}
		if raw := meta.Get(keyLastSyncTime); raw != nil {
			if blacklist.OperationTime(binary.BigEndian.Uint64(raw)) >= lastSyncTime {
				return nil
			}
		}
		encoded := make([]byte, 8)
		binary.BigEndian.PutUint64(encoded, uint64(lastSyncTime.Int64()))
		if err := meta.Put(keyLastSyncTime, encoded); err != nil {
			return fmt.Errorf("failed to save last sync time: %w", err)
		}
		return nil
	})
}

// ApplyEntry resolves one log entry against the local state with the same
// last-write-wins rule the server uses.
func (s *Store) ApplyEntry(entry blacklist.LogEntry) (blacklist.Decision, error) {
	if s.db == nil {
		return blacklist.DecisionSkip, ErrStoreClosed
	}

	decision := blacklist.DecisionSkip
	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries, err := bucket(tx, bucketEntries)
		if err != nil {
			return err
		}
		key := userKey(entry.UserID)

		var existing entryRecord
		known := false
		if raw := entries.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("failed to decode entry %d: %w", entry.UserID.Int64(), err)
			}
			known = true
		}

		decision = blacklist.Resolve(existing.version(), known, entry)
		if decision == blacklist.DecisionSkip {
			return nil
		}

		record := entryRecord{
			UserID:              entry.UserID.Int64(),
			AddedBy:             entry.OperatedBy.Int64(),
			Reason:              entry.Reason,
			CreatedAtUS:         entry.OperationTime.Int64(),
			LastOperationTimeUS: entry.OperationTime.Int64(),
			LastOperationID:     entry.ID,
			Removed:             decision == blacklist.DecisionDelete,
		}
		if record.Removed {
			record.AddedBy = 0
			record.Reason = ""
			record.CreatedAtUS = 0
		} else if known && !existing.Removed {
			record.CreatedAtUS = existing.CreatedAtUS
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", entry.UserID.Int64(), err)
		}
		if err := entries.Put(key, data); err != nil {
			return fmt.Errorf("failed to save entry %d: %w", entry.UserID.Int64(), err)
		}
		return nil
	})
	if err != nil {
		return blacklist.DecisionSkip, err
	}
	return decision, nil
}

// Get returns the live local row for a user.
func (s *Store) Get(userID blacklist.UserID) (blacklist.BlacklistEntry, bool, error) {
	if s.db == nil {
		return blacklist.BlacklistEntry{}, false, ErrStoreClosed
	}

	var (
		record entryRecord
		found  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries, err := bucket(tx, bucketEntries)
		if err != nil {
			return err
		}
		raw := entries.Get(userKey(userID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("failed to decode entry %d: %w", userID.Int64(), err)
		}
		found = !record.Removed
		return nil
	})
	if err != nil || !found {
		return blacklist.BlacklistEntry{}, false, err
	}
	return record.toEntry(), true, nil
}

// IsBlacklisted answers the bot's membership check from the local snapshot.
func (s *Store) IsBlacklisted(userID blacklist.UserID) (bool, error) {
	_, found, err := s.Get(userID)
	return found, err
}

// List returns the live local rows ordered by user id.
func (s *Store) List() ([]blacklist.BlacklistEntry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var rows []blacklist.BlacklistEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries, err := bucket(tx, bucketEntries)
		if err != nil {
			return err
		}
		return entries.ForEach(func(_, raw []byte) error {
			var record entryRecord
			if err := json.Unmarshal(raw, &record); err != nil {
				return fmt.Errorf("failed to decode entry: %w", err)
			}
			if !record.Removed {
				rows = append(rows, record.toEntry())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	found := tx.Bucket(name)
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketMissing, name)
	}
	return found, nil
}

// userKey encodes user ids big-endian so bucket order is numeric order.
func userKey(userID blacklist.UserID) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(userID.Int64()))
	return key
}
