// Package token gates SOCKS5 authentication on the external token store.
// The core treats a token as an opaque credential and only ever asks one
// question: which user does this token belong to, if any.
package token

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Validation failures. Both reject authentication; they differ only in
// what gets logged.
var (
	ErrNotFound = errors.New("token not found")
	ErrExpired  = errors.New("token expired")
)

// Validator resolves a token to the owning user. Implementations must be
// safe for concurrent use.
type Validator interface {
	Validate(ctx context.Context, token string) (uuid.UUID, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, token string) (uuid.UUID, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, token string) (uuid.UUID, error) {
	return f(ctx, token)
}
