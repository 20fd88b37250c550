package api

import "github.com/jmcleod/mailbridge/bridge"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoginRequest is the body of POST /session.
type LoginRequest struct {
	UserID     string `json:"user_id"`
	Passphrase string `json:"passphrase"`
}

// WebmailStatus reports the outcome of the webmail login attempted as a
// side effect of a host action.
type WebmailStatus struct {
	LoggedIn  bool             `json:"logged_in"`
	ErrorCode bridge.ErrorCode `json:"error_code,omitempty"`
}

// LoginResponse is the body of a successful POST /session.
type LoginResponse struct {
	UserID  string        `json:"user_id"`
	Webmail WebmailStatus `json:"webmail"`
}

// SaveCredentialsRequest is the body of PUT /credentials. Passphrase is
// needed only when the user has no key pair yet or the session key cache
// is gone.
type SaveCredentialsRequest struct {
	MailUser     string `json:"mail_user"`
	MailPassword string `json:"mail_password"`
	Passphrase   string `json:"passphrase,omitempty"`
}

// SaveCredentialsResponse is the body of a successful PUT /credentials.
type SaveCredentialsResponse struct {
	Saved   bool          `json:"saved"`
	Webmail WebmailStatus `json:"webmail"`
}

// RefreshResponse is the body of POST /mail/refresh.
type RefreshResponse struct {
	LoggedIn  bool             `json:"logged_in"`
	ErrorCode bridge.ErrorCode `json:"error_code,omitempty"`
}
