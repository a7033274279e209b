package device

import (
	"context"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"

	"example.com/healthsync/internal/domain"
)

const stateBucket = "oauth_states"

// PendingAuth is the anti-forgery record kept between Connect and CompleteRedirect.
type PendingAuth struct {
	State     string          `json:"state"`
	Provider  domain.Provider `json:"provider"`
	UserID    string          `json:"user_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// StateStore persists pending OAuth states.
type StateStore interface {
	Save(ctx context.Context, pending PendingAuth) error
	// Consume returns and deletes the record for state if it belongs to userID. Otherwise it
	// returns ErrInvalidState and leaves the record in place.
	Consume(ctx context.Context, state, userID string) (PendingAuth, error)
}

// BoltStateStore keeps pending states in a BoltDB bucket keyed by state.
type BoltStateStore struct {
	db *bolt.DB
}

// OpenBoltStateStore opens (or creates) the bolt file at path.
func OpenBoltStateStore(path string) (*BoltStateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltStateStore{db: db}, nil
}

// Close releases the bolt file.
func (b *BoltStateStore) Close() error {
	return b.db.Close()
}

// Save implements StateStore.
func (b *BoltStateStore) Save(_ context.Context, pending PendingAuth) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(stateBucket))
		if err != nil {
			return err
		}

		body, err := json.Marshal(pending)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(pending.State), body)
	})
}

// Consume implements StateStore.
func (b *BoltStateStore) Consume(_ context.Context, state, userID string) (PendingAuth, error) {
	var pending PendingAuth
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucket))
		// no Connect has run yet
		if bucket == nil {
			return ErrInvalidState
		}

		val := bucket.Get([]byte(state))
		if val == nil {
			return ErrInvalidState
		}
		if err := json.Unmarshal(val, &pending); err != nil {
			return err
		}
		if pending.UserID != userID {
			return ErrInvalidState
		}
		return bucket.Delete([]byte(state))
	})
	if err != nil {
		return PendingAuth{}, err
	}
	return pending, nil
}
