// Package sqlite implements storage.Repository on an embedded SQLite
// database through the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/mailbridge/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS mail_accounts (
    user_id       TEXT    PRIMARY KEY,
    public_key    TEXT    NOT NULL DEFAULT '',
    private_key   TEXT    NOT NULL DEFAULT '',
    mail_user     TEXT    NOT NULL DEFAULT '',
    mail_password TEXT    NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    CHECK ((public_key = '') = (private_key = '')),
    CHECK ((mail_user = '') = (mail_password = ''))
);`

// Store implements storage.Repository backed by SQLite. Timestamps are
// stored as unix nanoseconds.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer; a single connection serialises access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("pinging sqlite: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Register(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, storage.ErrEmptyUserID
	}
	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mail_accounts (user_id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`, userID, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, userID string) (*storage.Record, error) {
	rec := storage.Record{UserID: userID}
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key, private_key, mail_user, mail_password, created_at, updated_at
		 FROM mail_accounts WHERE user_id = ?`, userID).Scan(
		&rec.PublicKey, &rec.PrivateKey, &rec.MailUser, &rec.MailPassword, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return &rec, nil
}

func (s *Store) PutKeyPair(ctx context.Context, userID, publicKey, privateKey string) error {
	if err := storage.CheckKeyPair(userID, publicKey, privateKey); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mail_accounts (user_id, public_key, private_key, created_at, updated_at)
		 VALUES (?1, ?2, ?3, ?4, ?4)
		 ON CONFLICT (user_id)
		 DO UPDATE SET public_key = ?2, private_key = ?3, updated_at = ?4`,
		userID, publicKey, privateKey, now)
	return err
}

func (s *Store) PutCredential(ctx context.Context, userID, mailUser, mailPassword string) error {
	if err := storage.CheckCredential(userID, mailUser, mailPassword); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mail_accounts (user_id, mail_user, mail_password, created_at, updated_at)
		 VALUES (?1, ?2, ?3, ?4, ?4)
		 ON CONFLICT (user_id)
		 DO UPDATE SET mail_user = ?2, mail_password = ?3, updated_at = ?4`,
		userID, mailUser, mailPassword, now)
	return err
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mail_accounts WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", userID, storage.ErrNotFound)
	}
	return nil
}
