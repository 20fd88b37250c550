// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/mailbridge/storage"
)

var accountsBucket = []byte("accounts")

// Store implements storage.Repository backed by a BBolt database. Each
// account is one JSON value in the "accounts" bucket keyed by user id.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(accountsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating accounts bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Register(_ context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, storage.ErrEmptyUserID
	}
	var created bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		if b.Get([]byte(userID)) != nil {
			return nil
		}
		created = true
		now := time.Now().UTC()
		return putRecord(b, &storage.Record{UserID: userID, CreatedAt: now, UpdatedAt: now})
	})
	return created, err
}

func (s *Store) Get(_ context.Context, userID string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx.Bucket(accountsBucket), userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) PutKeyPair(_ context.Context, userID, publicKey, privateKey string) error {
	if err := storage.CheckKeyPair(userID, publicKey, privateKey); err != nil {
		return err
	}
	return s.update(userID, func(rec *storage.Record) {
		rec.PublicKey, rec.PrivateKey = publicKey, privateKey
	})
}

func (s *Store) PutCredential(_ context.Context, userID, mailUser, mailPassword string) error {
	if err := storage.CheckCredential(userID, mailUser, mailPassword); err != nil {
		return err
	}
	return s.update(userID, func(rec *storage.Record) {
		rec.MailUser, rec.MailPassword = mailUser, mailPassword
	})
}

func (s *Store) Delete(_ context.Context, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		if b.Get([]byte(userID)) == nil {
			return fmt.Errorf("%s: %w", userID, storage.ErrNotFound)
		}
		return b.Delete([]byte(userID))
	})
}

// update applies fn to the user's row inside one write transaction,
// creating the row first when it does not exist.
func (s *Store) update(userID string, fn func(*storage.Record)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		now := time.Now().UTC()
		rec, err := getRecord(b, userID)
		if err != nil {
			rec = &storage.Record{UserID: userID, CreatedAt: now}
		}
		fn(rec)
		rec.UpdatedAt = now
		return putRecord(b, rec)
	})
}

func getRecord(b *bbolt.Bucket, userID string) (*storage.Record, error) {
	data := b.Get([]byte(userID))
	if data == nil {
		return nil, fmt.Errorf("%s: %w", userID, storage.ErrNotFound)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding account %s: %w", userID, err)
	}
	return &rec, nil
}

func putRecord(b *bbolt.Bucket, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.UserID), data)
}
