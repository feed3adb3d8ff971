package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName = "session"
	storageKey = "checkthis_user"
)

// Store defines the interface for session persistence. Every method takes an
// explicit "now" so the sliding-expiry rule is testable.
type Store interface {
	// Init loads the stored session. A missing or expired record is replaced
	// by a fresh guest; a valid read slides the expiry forward by the full
	// session duration.
	Init(now time.Time) (*UserState, error)

	// Persist saves the session, ensuring it carries an expiry
	Persist(user *UserState, now time.Time) error

	// Clear drops the stored session and immediately installs a fresh guest,
	// so there is never a state with no user record
	Clear(now time.Time) (*UserState, error)
}

// BoltStore implements Store on a bbolt bucket
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates the session bucket if needed
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating session bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Init loads the session with sliding expiration
func (s *BoltStore) Init(now time.Time) (*UserState, error) {
	var user *UserState

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		data := bucket.Get([]byte(storageKey))

		if data != nil {
			var stored UserState
			if err := json.Unmarshal(data, &stored); err != nil {
				slog.Warn("Stored session is corrupt, resetting to guest", "error", err)
			} else if !stored.SessionExpiry.IsZero() && now.After(stored.SessionExpiry) {
				slog.Warn("Session expired, resetting to guest", "expired_at", stored.SessionExpiry)
			} else {
				// Sliding window: refresh expiry on every valid read
				stored.SessionExpiry = now.Add(Duration)
				user = &stored
			}
		}

		if user == nil {
			user = NewGuest(now)
		}

		refreshed, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}
		return bucket.Put([]byte(storageKey), refreshed)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Persist saves the session, backfilling a missing expiry
func (s *BoltStore) Persist(user *UserState, now time.Time) error {
	withExpiry := *user
	if withExpiry.SessionExpiry.IsZero() {
		withExpiry.SessionExpiry = now.Add(Duration)
	}

	data, err := json.Marshal(&withExpiry)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(storageKey), data)
	})
}

// Clear logs out: the stored record is replaced by a fresh guest
func (s *BoltStore) Clear(now time.Time) (*UserState, error) {
	guest := NewGuest(now)
	if err := s.Persist(guest, now); err != nil {
		return nil, err
	}
	return guest, nil
}
