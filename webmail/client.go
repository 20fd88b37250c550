// Package webmail talks to the external webmail service: it submits
// credentials, checks whether a session is still authenticated, and ends
// sessions.
package webmail

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNetwork is returned when the webmail endpoint cannot be reached.
	ErrNetwork = errors.New("webmail unreachable")
	// ErrLoginRejected is returned when the webmail service refuses the credentials.
	ErrLoginRejected = errors.New("webmail login rejected")
	// ErrInstallNotFound is returned when no webmail install answers at the endpoint.
	ErrInstallNotFound = errors.New("webmail install not found")
)

// Session is the pair of opaque tokens the webmail service issues on login.
type Session struct {
	ID   string
	Auth string
}

// Client is one webmail endpoint.
type Client interface {
	// Login submits credentials and returns the new session.
	Login(ctx context.Context, user, password string) (Session, error)
	// Validate reports whether sess is still authenticated. When it is, the
	// returned auth token is the current one, which may have rotated.
	Validate(ctx context.Context, sess Session) (bool, string, error)
	// Logout ends sess on the webmail side.
	Logout(ctx context.Context, sess Session) error
}

// Factory builds a Client for an endpoint URL.
type Factory func(endpoint string) Client

// RoundcubeFactory returns a Factory building RoundcubeClients with opts.
// An endpoint that cannot be parsed yields a client whose every call fails
// with ErrInstallNotFound.
func RoundcubeFactory(opts ...Option) Factory {
	return func(endpoint string) Client {
		c, err := NewRoundcubeClient(endpoint, opts...)
		if err != nil {
			return unusableClient{err: fmt.Errorf("%w: %w", ErrInstallNotFound, err)}
		}
		return c
	}
}

type unusableClient struct {
	err error
}

func (c unusableClient) Login(context.Context, string, string) (Session, error) {
	return Session{}, c.err
}

func (c unusableClient) Validate(context.Context, Session) (bool, string, error) {
	return false, "", c.err
}

func (c unusableClient) Logout(context.Context, Session) error {
	return c.err
}
