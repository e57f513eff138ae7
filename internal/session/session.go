package session

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned when no user session is attached to the
// current request context.
var ErrUnauthenticated = errors.New("unauthenticated")

type User struct {
	ID          string
	Email       string
	DisplayName string
}

// Provider resolves the user owning the current operation. A nil user with a
// nil error is never returned; absence of a session is ErrUnauthenticated.
type Provider interface {
	Current(ctx context.Context) (*User, error)
}

type contextKey struct{}

// WithUser attaches an authenticated user to ctx. Used by the HTTP auth
// middleware and by tests.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// ContextProvider reads the user from the request context.
type ContextProvider struct{}

func (ContextProvider) Current(ctx context.Context) (*User, error) {
	u, ok := ctx.Value(contextKey{}).(*User)
	if !ok || u == nil {
		return nil, ErrUnauthenticated
	}
	return u, nil
}

// Static always answers with the same user. Single-user deployments and tests.
type Static struct {
	User *User
}

func (s Static) Current(context.Context) (*User, error) {
	if s.User == nil {
		return nil, ErrUnauthenticated
	}
	return s.User, nil
}
