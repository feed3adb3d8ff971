package reward

import (
	"fmt"

	"go.etcd.io/bbolt"
)

const bucketName = "fingerprints"

// History tracks which receipt fingerprints have already been accepted for a
// user, so resubmission of the same physical receipt is detectable.
type History interface {
	Accepted(userKey, fingerprint string) (bool, error)
	MarkAccepted(userKey, fingerprint string) error
}

// BoltHistory implements History on a bbolt bucket
type BoltHistory struct {
	db *bbolt.DB
}

// NewBoltHistory creates the fingerprint bucket if needed
func NewBoltHistory(db *bbolt.DB) (*BoltHistory, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating fingerprint bucket: %w", err)
	}
	return &BoltHistory{db: db}, nil
}

// Accepted reports whether the fingerprint was already accepted for the user
func (h *BoltHistory) Accepted(userKey, fingerprint string) (bool, error) {
	var found bool
	err := h.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(bucketName)).Get(historyKey(userKey, fingerprint)) != nil
		return nil
	})
	return found, err
}

// MarkAccepted records an accepted fingerprint for the user
func (h *BoltHistory) MarkAccepted(userKey, fingerprint string) error {
	return h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(historyKey(userKey, fingerprint), []byte{1})
	})
}

func historyKey(userKey, fingerprint string) []byte {
	return []byte(userKey + "|" + fingerprint)
}
