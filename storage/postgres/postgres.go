// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Accounts live in a single mail_accounts table keyed by user_id. Absent
// values are stored as empty strings and CHECK constraints keep both key
// halves and both credential fields set or cleared together.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/mailbridge/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Register(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, storage.ErrEmptyUserID
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO mail_accounts (user_id) VALUES ($1)
		 ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Get(ctx context.Context, userID string) (*storage.Record, error) {
	rec := storage.Record{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT public_key, private_key, mail_user, mail_password, created_at, updated_at
		 FROM mail_accounts WHERE user_id = $1`, userID).Scan(
		&rec.PublicKey, &rec.PrivateKey, &rec.MailUser, &rec.MailPassword,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutKeyPair(ctx context.Context, userID, publicKey, privateKey string) error {
	if err := storage.CheckKeyPair(userID, publicKey, privateKey); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mail_accounts (user_id, public_key, private_key)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id)
		 DO UPDATE SET public_key = $2, private_key = $3, updated_at = now()`,
		userID, publicKey, privateKey)
	return err
}

func (s *Store) PutCredential(ctx context.Context, userID, mailUser, mailPassword string) error {
	if err := storage.CheckCredential(userID, mailUser, mailPassword); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mail_accounts (user_id, mail_user, mail_password)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id)
		 DO UPDATE SET mail_user = $2, mail_password = $3, updated_at = now()`,
		userID, mailUser, mailPassword)
	return err
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mail_accounts WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", userID, storage.ErrNotFound)
	}
	return nil
}
