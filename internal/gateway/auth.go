package gateway

import (
	"context"
	"errors"
)

const DefaultMinTokenLength = 10

var (
	ErrMissingToken = errors.New("missing token")
	ErrBadToken     = errors.New("bad token")
)

// TokenValidator decides whether a client token may open a connection and
// returns the identity it belongs to.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

type Authenticator struct {
	minLength int
}

func NewAuthenticator(minLength int) *Authenticator {
	if minLength <= 0 {
		minLength = DefaultMinTokenLength
	}
	return &Authenticator{minLength: minLength}
}

func (a *Authenticator) Validate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	if len(token) < a.minLength {
		return "", ErrBadToken
	}
	return "demo-user", nil
}
