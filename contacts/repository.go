package contacts

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kabili207/contactbook-go/store"
)

const (
	// DefaultCollection is the store collection holding one contact
	// document per user, keyed by user id.
	DefaultCollection = "contacts"

	// fieldContacts is the array field inside each contact document.
	fieldContacts = "contacts"
)

// Config configures a Repository.
type Config struct {
	// Collection is the store collection for contact documents.
	// Default: DefaultCollection.
	Collection string

	// Logger for repository events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Repository is the contact-list synchronization core. It translates user
// intents (add, delete, update, toggle favorite) into document store
// mutations and reconciles push notifications into full local snapshots.
//
// Mutations are acknowledged by the store but the authoritative state
// change only becomes visible through the next push notification: no
// optimistic local update is applied, and a caller must not assume its own
// write is immediately reflected in any snapshot.
type Repository struct {
	store store.Store
	cfg   Config
	log   *slog.Logger

	// snapshots holds the most recent pushed contact list per user,
	// shared by all watches. Delete resolves its target here.
	mu        sync.RWMutex
	snapshots map[string][]Record
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
		store:     st,
		cfg:       cfg,
		log:       logger.WithGroup("contacts"),
		snapshots: make(map[string][]Record),
	}
}

// Watch opens one push subscription on the user's contact document.
// onSnapshot receives the full contact list on every change — never a
// partial diff. If the document does not exist it is initialized once with
// an empty contact array (last writer wins if two subscribers race); the
// resulting change notification delivers the first snapshot. A store
// failure puts the watch in StateError and is reported through onError;
// there is no retry. The watch terminates on Unsubscribe or when ctx is
// cancelled.
func (r *Repository) Watch(ctx context.Context, userID string, onSnapshot func([]Record), onError func(error)) (*Watch, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	w := newWatch()
	var initOnce sync.Once

	onChange := func(doc store.Document, exists bool) {
		if !exists {
			initOnce.Do(func() {
				err := r.store.Set(ctx, r.cfg.Collection, userID, store.Document{fieldContacts: []any{}})
				if err != nil {
					r.log.Error("initializing contact document", "user", userID, "error", err)
					if w.fail() && onError != nil {
						onError(storeErr("initializing contact document", err))
					}
				}
			})
			return
		}

		var records []Record
		if _, err := store.DecodeField(doc, fieldContacts, &records); err != nil {
			r.log.Error("decoding contact list", "user", userID, "error", err)
			if w.fail() && onError != nil {
				onError(storeErr("decoding contact list", err))
			}
			return
		}
		if records == nil {
			records = []Record{}
		}

		r.mu.Lock()
		r.snapshots[userID] = cloneRecords(records)
		r.mu.Unlock()

		if w.live() {
			onSnapshot(records)
		}
	}

	onErr := func(err error) {
		r.log.Error("contact subscription failed", "user", userID, "error", err)
		if w.fail() && onError != nil {
			onError(storeErr("watching contacts", err))
		}
	}

	sub, err := r.store.Subscribe(ctx, r.cfg.Collection, userID, onChange, onErr)
	if err != nil {
		return nil, storeErr("watching contacts", err)
	}
	w.setSub(sub)

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			w.Unsubscribe()
		}()
	}
	return w, nil
}

// Snapshot returns the most recent pushed contact list for the user, or
// nil if no watch has delivered one yet.
func (r *Repository) Snapshot(userID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneRecords(r.snapshots[userID])
}

// Add validates the input and appends a new non-favorite contact via the
// store's set-style array add. Adding a byte-identical duplicate is a
// silent no-op, not an error. No optimistic local update is applied: the
// next push notification is the sole source of truth.
func (r *Repository) Add(ctx context.Context, userID, name string, addresses []string) error {
	rec, err := cleanRecord(name, addresses, false)
	if err != nil {
		return err
	}

	if err := r.store.ArrayAdd(ctx, r.cfg.Collection, userID, fieldContacts, rec); err != nil {
		r.log.Error("adding contact", "user", userID, "error", err)
		return storeErr("adding contact", err)
	}
	r.log.Debug("contact added", "user", userID, "name", rec.Name)
	return nil
}

// Delete removes the first contact in the local snapshot whose name
// matches — by name only, not by full identity, so when two records share
// a name the sequence-first one is removed. Returns ErrNotFound without
// contacting the store when no local record has that name.
func (r *Repository) Delete(ctx context.Context, userID, name string) error {
	r.mu.RLock()
	var target *Record
	for _, rec := range r.snapshots[userID] {
		if rec.Name == name {
			t := rec.Clone()
			target = &t
			break
		}
	}
	r.mu.RUnlock()

	if target == nil {
		return ErrNotFound
	}

	if err := r.store.ArrayRemove(ctx, r.cfg.Collection, userID, fieldContacts, *target); err != nil {
		r.log.Error("deleting contact", "user", userID, "error", err)
		return storeErr("deleting contact", err)
	}
	r.log.Debug("contact deleted", "user", userID, "name", name)
	return nil
}

// Update replaces old with the validated new record. The remote array is
// read fresh rather than trusting any cached snapshot. Elements are
// matched by mutation identity (name plus address sequence); if nothing
// matches — the contact was concurrently deleted or edited — the replace
// is skipped and the array is written back unchanged. The new record keeps
// the favorite flag it carries.
func (r *Repository) Update(ctx context.Context, userID string, old, updated Record) error {
	rec, err := cleanRecord(updated.Name, updated.Addresses, updated.IsFavorite)
	if err != nil {
		return err
	}

	records, ok, err := r.fetch(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // no document yet, nothing to update
	}

	for i := range records {
		if records[i].SameContact(old) {
			records[i] = rec
		}
	}
	return r.writeAll(ctx, userID, records, "updating contact")
}

// ToggleFavorite flips the favorite flag of the first contact matching
// name. Like Update it re-reads the remote array fresh, then writes the
// whole array back. Returns ErrNotFound if no record has that name.
func (r *Repository) ToggleFavorite(ctx context.Context, userID, name string) error {
	records, ok, err := r.fetch(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	found := false
	for i := range records {
		if records[i].Name == name {
			records[i].IsFavorite = !records[i].IsFavorite
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	return r.writeAll(ctx, userID, records, "toggling favorite")
}

// fetch reads the user's contact array fresh from the store. ok is false
// when the document does not exist.
func (r *Repository) fetch(ctx context.Context, userID string) ([]Record, bool, error) {
	doc, err := r.store.Get(ctx, r.cfg.Collection, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		r.log.Error("reading contact document", "user", userID, "error", err)
		return nil, false, storeErr("reading contacts", err)
	}

	var records []Record
	if _, err := store.DecodeField(doc, fieldContacts, &records); err != nil {
		r.log.Error("decoding contact list", "user", userID, "error", err)
		return nil, false, storeErr("decoding contact list", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, true, nil
}

func (r *Repository) writeAll(ctx context.Context, userID string, records []Record, op string) error {
	err := r.store.Update(ctx, r.cfg.Collection, userID, store.Document{fieldContacts: records})
	if err != nil {
		r.log.Error(op, "user", userID, "error", err)
		return storeErr(op, err)
	}
	return nil
}
