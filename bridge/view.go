package bridge

import (
	"context"
	"errors"

	"github.com/jmcleod/mailbridge/session"
	"github.com/jmcleod/mailbridge/vault"
	"github.com/jmcleod/mailbridge/webmail"
)

// ErrorCode is the stable failure category shown to the UI.
type ErrorCode string

const (
	CodeNone      ErrorCode = ""
	CodeNetwork   ErrorCode = "network"
	CodeLogin     ErrorCode = "login"
	CodeAutoLogin ErrorCode = "autologin"
	CodeNotFound  ErrorCode = "not_found"
	CodeGeneral   ErrorCode = "general"
)

// View describes the mail page. When ErrorOccurred is set only the error
// fields are meaningful. It never carries credentials or key material.
type View struct {
	DisplayName      string    `json:"display_name,omitempty"`
	RedirectURL      string    `json:"redirect_url,omitempty"`
	ErrorOccurred    bool      `json:"error_occurred"`
	ErrorCode        ErrorCode `json:"error_code,omitempty"`
	ErrorDetail      string    `json:"error_detail,omitempty"`
	RemoveHeaderNav  bool      `json:"remove_header_nav"`
	RemoveControlNav bool      `json:"remove_control_nav"`
}

// Classify maps an error to its ErrorCode. Rejected credentials are
// reported as CodeAutoLogin when autoLogin is set.
func Classify(err error, autoLogin bool) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, webmail.ErrNetwork),
		errors.Is(err, context.DeadlineExceeded):
		return CodeNetwork
	case errors.Is(err, webmail.ErrInstallNotFound):
		return CodeNotFound
	case errors.Is(err, webmail.ErrLoginRejected),
		errors.Is(err, ErrNotLoggedIn),
		errors.Is(err, vault.ErrNoCredentials):
		if autoLogin {
			return CodeAutoLogin
		}
		return CodeLogin
	default:
		return CodeGeneral
	}
}

func (b *Bridge) view(ctx context.Context, sess session.Store, t Target) View {
	s := b.Settings()
	name, _ := sess.Get(ctx, session.KeyMailUser)
	return View{
		DisplayName:      name,
		RedirectURL:      t.RedirectURL(),
		RemoveHeaderNav:  s.RemoveHeaderNav,
		RemoveControlNav: s.RemoveControlNav,
	}
}

func (b *Bridge) errorView(err error) View {
	code := Classify(err, b.Settings().AutoLogin)
	detail := "ERROR: Technical problem, " + err.Error()
	if code == CodeNetwork {
		detail = "ERROR: Technical problem during trying to connect to webmail server, " + err.Error()
	}
	b.logger.Error("mail view unavailable", "code", string(code), "error", err)
	return View{ErrorOccurred: true, ErrorCode: code, ErrorDetail: detail}
}
