// Package auth defines the authentication capability used to gate which
// documents the repositories target. The contact sync core only ever asks
// "who is signed in"; everything else about identity is delegated.
//
// MemoryProvider is the in-process default, suitable for tests and local
// use. Deployments backed by a hosted identity service implement Provider
// over that service's SDK.
package auth

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrInvalidCredentials is returned when the email/password pair does
	// not match a known account.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrEmailInUse is returned by SignUp when the email is already registered.
	ErrEmailInUse = errors.New("email already in use")

	// ErrWeakPassword is returned when the password fails CheckPassword.
	ErrWeakPassword = errors.New("password does not meet requirements")

	// ErrNotSignedIn is returned by SignOut when no session is active.
	ErrNotSignedIn = errors.New("not signed in")
)

// Provider is the interface for authentication backends.
type Provider interface {
	// SignUp registers a new account and signs it in.
	// Returns the new user id.
	SignUp(ctx context.Context, email, password string) (string, error)

	// SignIn authenticates an existing account and starts a session.
	// Returns the user id.
	SignIn(ctx context.Context, email, password string) (string, error)

	// SignOut ends the active session. Returns ErrNotSignedIn if none.
	SignOut(ctx context.Context) error

	// CurrentUserID returns the signed-in user id, or "" if signed out.
	CurrentUserID() string

	// SetOnAuthStateChange sets the callback invoked whenever the signed-in
	// user changes. The callback receives the new user id ("" on sign-out).
	SetOnAuthStateChange(fn func(userID string))
}

// MinPasswordLen is the minimum password length accepted by CheckPassword.
const MinPasswordLen = 6

// CheckPassword validates a candidate password: at least MinPasswordLen
// characters with one uppercase letter, one lowercase letter, and one digit.
// Returns ErrWeakPassword on failure.
func CheckPassword(password string) error {
	if len(password) < MinPasswordLen {
		return ErrWeakPassword
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return ErrWeakPassword
	}
	return nil
}

// NormalizeEmail lowercases and trims an email address for use as an
// account lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
