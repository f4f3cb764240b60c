package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated indicates claims without a subject.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates a caller acting on a resource it does not own.
	ErrForbidden = errors.New("forbidden")
)

// Role is the authorization role carried in a token.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Claims are the authenticated caller's identity, validated once at the
// boundary and passed by value afterwards.
type Claims struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
}

// Validate rejects claims that cannot identify a caller.
func (c Claims) Validate() error {
	if c.Subject == "" {
		return ErrUnauthenticated
	}

	if c.Role != RoleUser && c.Role != RoleAdmin {
		return fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, c.Role)
	}

	return nil
}

// CanAccess reports whether the caller may read or mutate the user's data.
func (c Claims) CanAccess(userID string) bool {
	return c.Role == RoleAdmin || c.Subject == userID
}
