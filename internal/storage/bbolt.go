// Package storage is the local device storage. It is never synced: it keeps
// private keys, message drafts and the persisted session of this device.
package storage

import (
	"fmt"
	"time"

	"secchat/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketPrivateKeys = []byte("private_keys")
	bucketDrafts      = []byte("drafts")
	bucketSession     = []byte("session")
)

// Session is the auth session saved between restarts.
type Session struct {
	Token       string
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPrivateKeys, bucketDrafts, bucketSession} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, rec Storeable) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(rec.Key(), data)
}

// PrivateKey returns the base64 PKCS#8 private key of userID.
func (s *BboltStorage) PrivateKey(userID string) (string, error) {
	var rec DBPrivateKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPrivateKeys).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		return rec.UnmarshalBinary(data)
	})
	if err != nil {
		return "", err
	}
	return rec.PrivateKey, nil
}

func (s *BboltStorage) SavePrivateKey(userID, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPrivateKeys), &DBPrivateKey{
			UserID:     userID,
			PrivateKey: key,
			CreatedAt:  s.now().Unix(),
		})
	})
}

func (s *BboltStorage) DeletePrivateKey(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrivateKeys).Delete([]byte(userID))
	})
}

// SaveDraft stores the unsent text of a chat. Empty text removes the draft.
func (s *BboltStorage) SaveDraft(userID, chatID, text string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		drafts := tx.Bucket(bucketDrafts)
		if text == "" {
			userBucket := drafts.Bucket([]byte(userID))
			if userBucket == nil {
				return nil
			}
			return userBucket.Delete([]byte(chatID))
		}
		userBucket, err := drafts.CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create drafts bucket: %w", err)
		}
		return put(userBucket, &DBDraft{
			ChatID:    chatID,
			Text:      text,
			UpdatedAt: s.now().Unix(),
		})
	})
}

func (s *BboltStorage) Draft(userID, chatID string) (string, error) {
	var rec DBDraft
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketDrafts).Bucket([]byte(userID))
		if userBucket == nil {
			return models.ErrNotFound
		}
		data := userBucket.Get([]byte(chatID))
		if data == nil {
			return models.ErrNotFound
		}
		return rec.UnmarshalBinary(data)
	})
	if err != nil {
		return "", err
	}
	return rec.Text, nil
}

// ListDrafts returns the drafts of userID keyed by chat id.
func (s *BboltStorage) ListDrafts(userID string) (map[string]string, error) {
	drafts := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketDrafts).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var rec DBDraft
			if err := rec.UnmarshalBinary(v); err != nil {
				return err
			}
			drafts[rec.ChatID] = rec.Text
			return nil
		})
	})
	return drafts, err
}

func (s *BboltStorage) SaveSession(session Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketSession), &DBSession{
			Token:       session.Token,
			UserID:      session.UserID,
			DisplayName: session.DisplayName,
			ExpiresAt:   session.ExpiresAt.Unix(),
		})
	})
}

func (s *BboltStorage) Session() (Session, error) {
	var rec DBSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSession).Get(sessionKey)
		if data == nil {
			return models.ErrNotFound
		}
		return rec.UnmarshalBinary(data)
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:       rec.Token,
		UserID:      rec.UserID,
		DisplayName: rec.DisplayName,
		ExpiresAt:   time.Unix(rec.ExpiresAt, 0),
	}, nil
}

func (s *BboltStorage) ClearSession() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(sessionKey)
	})
}
