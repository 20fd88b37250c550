package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/mailbridge/session"
	"github.com/jmcleod/mailbridge/vault"
)

// ErrUnlock wraps a failure to open the user's private key. Any other error
// from HostLogin concerns webmail and leaves the key unlocked.
var ErrUnlock = errors.New("unlocking key pair")

// Service joins the credential vault and the bridge at the points the host
// application calls into: host login, host logout, opening the mail page,
// and saving mail settings.
type Service struct {
	bridge *Bridge
	vault  *vault.CredentialVault
	logger *slog.Logger
}

// NewService returns a Service.
func NewService(b *Bridge, v *vault.CredentialVault) *Service {
	return &Service{bridge: b, vault: v, logger: b.logger}
}

// Bridge returns the underlying Bridge.
func (s *Service) Bridge() *Bridge {
	return s.bridge
}

// Vault returns the underlying CredentialVault.
func (s *Service) Vault() *vault.CredentialVault {
	return s.vault
}

// Open returns the mail view, logging in with the user's stored credential
// when the webmail session is missing or expired. The private key must
// already be cached in sess (see HostLogin). Failures that fit no known
// category reset the webmail session.
func (s *Service) Open(ctx context.Context, sess session.Store, userID string, t Target) View {
	ok, err := s.bridge.Refresh(ctx, sess, t)
	if err == nil && !ok {
		err = s.loginStored(ctx, sess, userID, "", t)
	}
	if err != nil {
		if Classify(err, s.bridge.Settings().AutoLogin) == CodeGeneral {
			session.ClearWebmail(ctx, sess)
		}
		return s.bridge.errorView(err)
	}
	return s.bridge.view(ctx, sess, t)
}

// HostLogin runs when the user signs in to the host. It unlocks the
// private key into sess and, if a credential is stored, logs in to
// webmail. A webmail failure is logged and returned; callers decide
// whether it blocks the host login.
func (s *Service) HostLogin(ctx context.Context, sess session.Store, userID, passphrase string, t Target) error {
	if err := s.vault.Unlock(ctx, sess, userID, passphrase); err != nil {
		return fmt.Errorf("%w: %w", ErrUnlock, err)
	}
	err := s.loginStored(ctx, sess, userID, "", t)
	if errors.Is(err, vault.ErrNoCredentials) {
		s.logger.Debug("no stored mail credential", "user_id", userID)
		return nil
	}
	if err != nil {
		s.logger.Error("webmail login at host login failed", "user_id", userID, "error", err)
		return err
	}
	return nil
}

// SaveSettings stores a new credential and logs in with it, replacing any
// current webmail session. A non-empty passphrase is checked, and the key
// unlocked, before anything is written.
func (s *Service) SaveSettings(ctx context.Context, sess session.Store, userID, passphrase, mailUser, mailPassword string, t Target) error {
	if passphrase != "" {
		if err := s.vault.Unlock(ctx, sess, userID, passphrase); err != nil {
			return fmt.Errorf("%w: %w", ErrUnlock, err)
		}
	}
	if err := s.vault.SaveCredential(ctx, userID, passphrase, mailUser, mailPassword); err != nil {
		return err
	}
	s.bridge.Logout(ctx, sess, t)
	_, err := s.bridge.Login(ctx, sess, t, mailUser, mailPassword)
	return err
}

// HostLogout ends the webmail session and drops the cached private key.
func (s *Service) HostLogout(ctx context.Context, sess session.Store, t Target) {
	s.bridge.Logout(ctx, sess, t)
	sess.Set(ctx, session.KeyPrivateKey, "")
	sess.Set(ctx, session.KeyMailUser, "")
}

func (s *Service) loginStored(ctx context.Context, sess session.Store, userID, passphrase string, t Target) error {
	creds, err := s.vault.ResolveCredential(ctx, sess, userID, passphrase)
	if err != nil {
		return err
	}
	_, err = s.bridge.Login(ctx, sess, t, creds.User, creds.Password)
	return err
}
