// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/mailbridge/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]*storage.Record
	now  func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]*storage.Record), now: time.Now}
}

func (r *Repository) Register(_ context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, storage.ErrEmptyUserID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[userID]; ok {
		return false, nil
	}
	r.rowLocked(userID)
	return true, nil
}

func (r *Repository) Get(_ context.Context, userID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) PutKeyPair(_ context.Context, userID, publicKey, privateKey string) error {
	if err := storage.CheckKeyPair(userID, publicKey, privateKey); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.rowLocked(userID)
	rec.PublicKey, rec.PrivateKey = publicKey, privateKey
	rec.UpdatedAt = r.now().UTC()
	return nil
}

func (r *Repository) PutCredential(_ context.Context, userID, mailUser, mailPassword string) error {
	if err := storage.CheckCredential(userID, mailUser, mailPassword); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.rowLocked(userID)
	rec.MailUser, rec.MailPassword = mailUser, mailPassword
	rec.UpdatedAt = r.now().UTC()
	return nil
}

func (r *Repository) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[userID]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data, userID)
	return nil
}

// Len returns the number of stored rows.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *Repository) rowLocked(userID string) *storage.Record {
	rec, ok := r.data[userID]
	if !ok {
		now := r.now().UTC()
		rec = &storage.Record{UserID: userID, CreatedAt: now, UpdatedAt: now}
		r.data[userID] = rec
	}
	return rec
}
