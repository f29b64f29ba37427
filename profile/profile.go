// Package profile stores each user's profile document. Unlike contacts
// there is no live subscription: the profile screen reads once and writes
// the whole document on save.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/kabili207/contactbook-go/store"
)

// DefaultCollection is the store collection holding one profile document
// per user, keyed by user id.
const DefaultCollection = "users"

// Profile is a user's editable profile.
type Profile struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Birthday  string `json:"birthday"` // YYYY-MM-DD, free-form as entered
	Bio       string `json:"bio"`
	Email     string `json:"email"`
}

// Config configures a Repository.
type Config struct {
	// Collection is the store collection for profile documents.
	// Default: DefaultCollection.
	Collection string

	// Logger for profile events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Repository loads and saves profile documents.
type Repository struct {
	store store.Store
	cfg   Config
	log   *slog.Logger
}

// NewRepository creates a Repository over the given store.
func NewRepository(st store.Store, cfg Config) *Repository {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store: st,
		cfg:   cfg,
		log:   logger.WithGroup("profile"),
	}
}

// Load reads the user's profile. A missing document is not an error: the
// zero-value Profile is returned and the screen shows empty fields.
func (r *Repository) Load(ctx context.Context, userID string) (Profile, error) {
	doc, err := r.store.Get(ctx, r.cfg.Collection, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Profile{}, nil
	}
	if err != nil {
		r.log.Error("loading profile", "user", userID, "error", err)
		return Profile{}, err
	}

	var p Profile
	data, err := json.Marshal(doc)
	if err != nil {
		return Profile{}, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		r.log.Error("decoding profile", "user", userID, "error", err)
		return Profile{}, err
	}
	return p, nil
}

// Save overwrites the user's whole profile document.
func (r *Repository) Save(ctx context.Context, userID string, p Profile) error {
	doc := store.Document{
		"firstname": p.Firstname,
		"lastname":  p.Lastname,
		"birthday":  p.Birthday,
		"bio":       p.Bio,
		"email":     p.Email,
	}
	if err := r.store.Set(ctx, r.cfg.Collection, userID, doc); err != nil {
		r.log.Error("saving profile", "user", userID, "error", err)
		return err
	}
	return nil
}

// CreateInitial writes the document recorded at registration time. It
// preserves nothing from any existing document.
func (r *Repository) CreateInitial(ctx context.Context, userID, email string) error {
	doc := store.Document{
		"email":     email,
		"uid":       userID,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.store.Set(ctx, r.cfg.Collection, userID, doc); err != nil {
		r.log.Error("creating initial profile", "user", userID, "error", err)
		return err
	}
	return nil
}
