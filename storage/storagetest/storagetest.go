// Package storagetest holds a conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/mailbridge/storage"
)

// Factory returns an empty repository for one subtest.
type Factory func(t *testing.T) storage.Repository

// Run exercises the storage.Repository contract against repositories
// produced by newRepo.
func Run(t *testing.T, newRepo Factory) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "nobody")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("RegisterIdempotent", func(t *testing.T) {
		repo := newRepo(t)
		created, err := repo.Register(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, created)

		created, err = repo.Register(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, created)

		rec, err := repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.UserID)
		assert.False(t, rec.HasKeyPair())
		assert.False(t, rec.HasCredential())
		assert.False(t, rec.CreatedAt.IsZero())
	})

	t.Run("RegisterEmptyUser", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Register(ctx, "")
		assert.ErrorIs(t, err, storage.ErrEmptyUserID)
	})

	t.Run("PutKeyPairCreatesRow", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.PutKeyPair(ctx, "alice", "pub-1", "priv-1"))

		rec, err := repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "pub-1", rec.PublicKey)
		assert.Equal(t, "priv-1", rec.PrivateKey)
	})

	t.Run("PutKeyPairOverwritesAndKeepsCredential", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.PutKeyPair(ctx, "alice", "pub-1", "priv-1"))
		require.NoError(t, repo.PutCredential(ctx, "alice", "enc-user", "enc-pass"))
		require.NoError(t, repo.PutKeyPair(ctx, "alice", "pub-2", "priv-2"))

		rec, err := repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "pub-2", rec.PublicKey)
		assert.Equal(t, "priv-2", rec.PrivateKey)
		assert.Equal(t, "enc-user", rec.MailUser)
		assert.Equal(t, "enc-pass", rec.MailPassword)
	})

	t.Run("PutCredentialUpserts", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Register(ctx, "alice")
		require.NoError(t, err)
		require.NoError(t, repo.PutCredential(ctx, "alice", "u1", "p1"))
		require.NoError(t, repo.PutCredential(ctx, "alice", "u2", "p2"))

		rec, err := repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "u2", rec.MailUser)
		assert.Equal(t, "p2", rec.MailPassword)
		assert.False(t, rec.UpdatedAt.Before(rec.CreatedAt))
	})

	t.Run("RejectPartialCredential", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.PutCredential(ctx, "alice", "only-user", "")
		assert.ErrorIs(t, err, storage.ErrPartialCredential)
		err = repo.PutCredential(ctx, "alice", "", "only-pass")
		assert.ErrorIs(t, err, storage.ErrPartialCredential)

		_, err = repo.Get(ctx, "alice")
		assert.ErrorIs(t, err, storage.ErrNotFound, "a rejected write must not create a row")
	})

	t.Run("RejectPartialKeyPair", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.PutKeyPair(ctx, "alice", "pub", "")
		assert.ErrorIs(t, err, storage.ErrPartialKeyPair)
	})

	t.Run("UsersAreIsolated", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.PutCredential(ctx, "alice", "ua", "pa"))
		require.NoError(t, repo.PutCredential(ctx, "bob", "ub", "pb"))

		a, err := repo.Get(ctx, "alice")
		require.NoError(t, err)
		b, err := repo.Get(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "ua", a.MailUser)
		assert.Equal(t, "ub", b.MailUser)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.PutCredential(ctx, "alice", "u", "p"))
		require.NoError(t, repo.Delete(ctx, "alice"))

		_, err := repo.Get(ctx, "alice")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "alice"), storage.ErrNotFound)
	})
}
