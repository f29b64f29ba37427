package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Compile-time assertion that MemoryProvider implements Provider.
var _ Provider = (*MemoryProvider)(nil)

// MemoryProvider is an in-memory Provider. Passwords are stored as bcrypt
// hashes. One session is active at a time, matching the single-session
// model of the mobile client.
type MemoryProvider struct {
	log *slog.Logger

	mu       sync.RWMutex
	accounts map[string]account // normalized email -> account
	current  string             // signed-in user id, "" when signed out
	onChange func(userID string)
}

type account struct {
	userID string
	hash   []byte
}

// NewMemoryProvider creates an empty in-memory auth provider.
// If logger is nil, slog.Default() is used.
func NewMemoryProvider(logger *slog.Logger) *MemoryProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryProvider{
		log:      logger.WithGroup("auth"),
		accounts: make(map[string]account),
	}
}

// SignUp registers a new account and signs it in.
func (p *MemoryProvider) SignUp(ctx context.Context, email, password string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", ErrInvalidCredentials
	}
	if err := CheckPassword(password); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if _, exists := p.accounts[email]; exists {
		p.mu.Unlock()
		return "", ErrEmailInUse
	}
	userID := uuid.NewString()
	p.accounts[email] = account{userID: userID, hash: hash}
	p.current = userID
	fn := p.onChange
	p.mu.Unlock()

	p.log.Info("account created", "user", userID)
	if fn != nil {
		fn(userID)
	}
	return userID, nil
}

// SignIn authenticates an existing account and starts a session.
func (p *MemoryProvider) SignIn(ctx context.Context, email, password string) (string, error) {
	email = NormalizeEmail(email)

	p.mu.RLock()
	acct, exists := p.accounts[email]
	p.mu.RUnlock()

	if !exists {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	p.mu.Lock()
	p.current = acct.userID
	fn := p.onChange
	p.mu.Unlock()

	p.log.Info("signed in", "user", acct.userID)
	if fn != nil {
		fn(acct.userID)
	}
	return acct.userID, nil
}

// SignOut ends the active session.
func (p *MemoryProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	if p.current == "" {
		p.mu.Unlock()
		return ErrNotSignedIn
	}
	userID := p.current
	p.current = ""
	fn := p.onChange
	p.mu.Unlock()

	p.log.Info("signed out", "user", userID)
	if fn != nil {
		fn("")
	}
	return nil
}

// CurrentUserID returns the signed-in user id, or "" if signed out.
func (p *MemoryProvider) CurrentUserID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// SetOnAuthStateChange sets the auth state callback.
func (p *MemoryProvider) SetOnAuthStateChange(fn func(userID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}
