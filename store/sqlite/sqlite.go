// Package sqlite provides a document store persisted to a local SQLite
// database. Documents are stored as JSON in a single table keyed by
// (collection, key).
//
// Change subscriptions are fanned out in-process: the database file is
// local, so every writer in this process triggers notifications, but
// writes from other processes are not observed until the next read.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kabili207/contactbook-go/store"
)

// Compile-time assertion that Store implements store.Store.
var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	doc        TEXT NOT NULL,
	PRIMARY KEY (collection, key)
);`

// Config holds the configuration for a SQLite document store.
type Config struct {
	// Path is the database file path. ":memory:" opens a transient
	// in-memory database.
	Path string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	// mu serializes read-modify-write mutations and guards subs.
	mu   sync.Mutex
	subs map[string]map[string]*subscription
}

// Open opens (creating if needed) a SQLite-backed document store.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// The in-process fan-out assumes a single connection's view of the file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{
		db:   db,
		log:  cfg.Logger.WithGroup("sqlitestore"),
		subs: make(map[string]map[string]*subscription),
	}, nil
}

// Close closes the database. Active subscriptions stop receiving changes.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads a document once. Returns store.ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, collection, key string) (store.Document, error) {
	return s.read(ctx, collection, key)
}

// Set overwrites the whole document, creating it if absent.
func (s *Store) Set(ctx context.Context, collection, key string, doc store.Document) error {
	norm, err := store.NormalizeDocument(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, collection, key, norm)
}

// Update merges fields into the document, creating it if absent.
func (s *Store) Update(ctx context.Context, collection, key string, fields store.Document) error {
	norm, err := store.NormalizeDocument(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(ctx, collection, key)
	if errors.Is(err, store.ErrNotFound) {
		doc = store.Document{}
	} else if err != nil {
		return err
	}
	for k, v := range norm {
		doc[k] = v
	}
	return s.writeLocked(ctx, collection, key, doc)
}

// ArrayAdd appends element to the named array field unless a deep-equal
// element is already present.
func (s *Store) ArrayAdd(ctx context.Context, collection, key, field string, element any) error {
	elem, err := store.Normalize(element)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(ctx, collection, key)
	if errors.Is(err, store.ErrNotFound) {
		doc = store.Document{}
	} else if err != nil {
		return err
	}

	arr, _ := doc[field].([]any)
	for _, existing := range arr {
		if reflect.DeepEqual(existing, elem) {
			return nil
		}
	}
	doc[field] = append(arr, elem)
	return s.writeLocked(ctx, collection, key, doc)
}

// ArrayRemove removes every element of the named array field deep-equal to
// element. No-op if the document, field, or element is absent.
func (s *Store) ArrayRemove(ctx context.Context, collection, key, field string, element any) error {
	elem, err := store.Normalize(element)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(ctx, collection, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	arr, _ := doc[field].([]any)
	kept := make([]any, 0, len(arr))
	removed := false
	for _, existing := range arr {
		if reflect.DeepEqual(existing, elem) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return nil
	}
	doc[field] = kept
	return s.writeLocked(ctx, collection, key, doc)
}

// Subscribe opens a push subscription on a document. The handler fires
// immediately with the current state, then after every in-process change.
func (s *Store) Subscribe(ctx context.Context, collection, key string, onChange store.ChangeHandler, onError store.ErrorHandler) (store.Subscription, error) {
	sub := newSubscription(s, collection, key, onChange)

	// Read and register under the mutation lock so the initial snapshot
	// cannot miss a concurrent write.
	s.mu.Lock()
	doc, err := s.read(ctx, collection, key)
	exists := true
	if errors.Is(err, store.ErrNotFound) {
		doc, exists = nil, false
	} else if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	path := collection + "/" + key
	if s.subs[path] == nil {
		s.subs[path] = make(map[string]*subscription)
	}
	s.subs[path][sub.id] = sub
	sub.enqueue(doc, exists)
	s.mu.Unlock()

	go sub.run()
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
		}()
	}
	return sub, nil
}

func (s *Store) read(ctx context.Context, collection, key string) (store.Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND key = ?`,
		collection, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	var doc store.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

// writeLocked upserts doc and queues a notification for every subscriber.
// Must be called with s.mu held.
func (s *Store) writeLocked(ctx context.Context, collection, key string, doc store.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, key, doc) VALUES (?, ?, ?)
		 ON CONFLICT (collection, key) DO UPDATE SET doc = excluded.doc`,
		collection, key, string(raw))
	if err != nil {
		return fmt.Errorf("writing document: %w", err)
	}

	for _, sub := range s.subs[collection+"/"+key] {
		sub.enqueue(store.CloneDocument(doc), true)
	}
	return nil
}

func (s *Store) removeSub(collection, key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := collection + "/" + key
	delete(s.subs[path], id)
	if len(s.subs[path]) == 0 {
		delete(s.subs, path)
	}
}

type change struct {
	doc    store.Document
	exists bool
}

// subscription delivers queued changes on its own goroutine, preserving
// order per subscriber.
type subscription struct {
	store      *Store
	collection string
	key        string
	id         string
	onChange   store.ChangeHandler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []change
	closed bool
}

func newSubscription(s *Store, collection, key string, onChange store.ChangeHandler) *subscription {
	sub := &subscription{
		store:      s,
		collection: collection,
		key:        key,
		id:         uuid.NewString(),
		onChange:   onChange,
	}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (sub *subscription) enqueue(doc store.Document, exists bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.queue = append(sub.queue, change{doc: doc, exists: exists})
	sub.cond.Signal()
}

func (sub *subscription) run() {
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		next := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		sub.onChange(next.doc, next.exists)
	}
}

// Unsubscribe stops change delivery and releases the subscription.
// Safe to call more than once. Changes already queued are discarded.
func (sub *subscription) Unsubscribe() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.queue = nil
	sub.cond.Signal()
	sub.mu.Unlock()

	sub.store.removeSub(sub.collection, sub.key, sub.id)
}
