// Package memory provides an in-memory document store. It is the default
// backend for tests and single-process use.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/kabili207/contactbook-go/store"
)

// Compile-time assertion that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
//
// Change notifications are delivered asynchronously, in order, on a
// dedicated goroutine per subscription. Documents handed to handlers are
// deep copies.
type Store struct {
	mu   sync.RWMutex
	docs map[string]map[string]store.Document
	subs map[string]map[string]*subscription
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		docs: make(map[string]map[string]store.Document),
		subs: make(map[string]map[string]*subscription),
	}
}

// Get reads a document once. Returns store.ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, collection, key string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[collection][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.CloneDocument(doc), nil
}

// Set overwrites the whole document, creating it if absent.
func (s *Store) Set(ctx context.Context, collection, key string, doc store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	norm, err := store.NormalizeDocument(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(collection, key, norm)
	return nil
}

// Update merges fields into the document, creating it if absent.
func (s *Store) Update(ctx context.Context, collection, key string, fields store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	norm, err := store.NormalizeDocument(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][key]
	if !ok {
		doc = store.Document{}
	} else {
		doc = store.CloneDocument(doc)
	}
	for k, v := range norm {
		doc[k] = v
	}
	s.putLocked(collection, key, doc)
	return nil
}

// ArrayAdd appends element to the named array field unless a deep-equal
// element is already present.
func (s *Store) ArrayAdd(ctx context.Context, collection, key, field string, element any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	elem, err := store.Normalize(element)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][key]
	if !ok {
		doc = store.Document{}
	} else {
		doc = store.CloneDocument(doc)
	}

	arr, err := arrayField(doc, field)
	if err != nil {
		return err
	}
	for _, existing := range arr {
		if reflect.DeepEqual(existing, elem) {
			return nil // already present, set semantics
		}
	}
	doc[field] = append(arr, elem)
	s.putLocked(collection, key, doc)
	return nil
}

// ArrayRemove removes every element of the named array field deep-equal to
// element. No-op if the document, field, or element is absent.
func (s *Store) ArrayRemove(ctx context.Context, collection, key, field string, element any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	elem, err := store.Normalize(element)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][key]
	if !ok {
		return nil
	}
	doc = store.CloneDocument(doc)

	arr, err := arrayField(doc, field)
	if err != nil {
		return err
	}

	kept := arr[:0]
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
	s.putLocked(collection, key, doc)
	return nil
}

// Subscribe opens a push subscription on a document. The handler fires
// immediately with the current state, then after every change.
func (s *Store) Subscribe(ctx context.Context, collection, key string, onChange store.ChangeHandler, onError store.ErrorHandler) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newSubscription(s, collection, key, onChange)

	s.mu.Lock()
	path := collection + "/" + key
	if s.subs[path] == nil {
		s.subs[path] = make(map[string]*subscription)
	}
	s.subs[path][sub.id] = sub

	// Initial state, queued before any subsequent change.
	doc, exists := s.docs[collection][key]
	sub.enqueue(store.CloneDocument(doc), exists)
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

// putLocked stores doc and queues a notification for every subscriber.
// Must be called with s.mu held for writing.
func (s *Store) putLocked(collection, key string, doc store.Document) {
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]store.Document)
	}
	s.docs[collection][key] = doc

	for _, sub := range s.subs[collection+"/"+key] {
		sub.enqueue(store.CloneDocument(doc), true)
	}
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

func arrayField(doc store.Document, field string) ([]any, error) {
	raw, ok := doc[field]
	if !ok || raw == nil {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q is not an array: %T", field, raw)
	}
	return arr, nil
}

type change struct {
	doc    store.Document
	exists bool
}

// subscription delivers queued changes on its own goroutine so handlers
// never run under the store lock and ordering is preserved per subscriber.
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
		if sub.closed && len(sub.queue) == 0 {
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
