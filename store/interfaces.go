// Package store defines the document store contract used by the contact
// and profile repositories.
//
// A Store holds JSON documents addressed by (collection, key). It supports
// read-once, whole-document overwrite, field merge, push-based change
// subscriptions, and two set-style array mutations (ArrayAdd, ArrayRemove)
// keyed by deep value equality of the element rather than by index.
//
// The default in-memory implementation is in store/memory. Networked and
// persistent backends are in store/mqtt and store/sqlite.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no document exists for the key.
var ErrNotFound = errors.New("document not found")

// Document is a JSON document. Values must be JSON-normalized: strings,
// float64, bool, nil, []any, and map[string]any. Use Normalize to convert
// arbitrary Go values before storing them.
type Document = map[string]any

// ChangeHandler is called with the current document state when a
// subscription is opened, and again after every change. exists is false
// when the document does not (yet) exist.
type ChangeHandler func(doc Document, exists bool)

// ErrorHandler is called when a subscription fails asynchronously.
// After an error the subscription delivers no further changes.
type ErrorHandler func(err error)

// Subscription is a handle to an active change subscription.
type Subscription interface {
	// Unsubscribe stops change delivery and releases the subscription.
	// Safe to call more than once.
	Unsubscribe()
}

// Store is the interface for document storage backends.
//
// Implementations must deliver change notifications asynchronously (never
// on the caller's goroutine while a store lock is held) and must deliver
// them in order per subscription. Two subscriptions to the same document
// may observe changes in different relative orders but must converge on
// the same final state.
type Store interface {
	// Get reads a document once. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, collection, key string) (Document, error)

	// Set overwrites the whole document, creating it if absent.
	Set(ctx context.Context, collection, key string, doc Document) error

	// Update merges fields into the document, creating it if absent.
	// Fields not named in fields are left untouched.
	Update(ctx context.Context, collection, key string, fields Document) error

	// Subscribe opens a push subscription on a document. onChange fires
	// once with the current state and then after every change until the
	// subscription is unsubscribed or ctx is cancelled. onError may be nil.
	Subscribe(ctx context.Context, collection, key string, onChange ChangeHandler, onError ErrorHandler) (Subscription, error)

	// ArrayAdd appends element to the named array field unless an element
	// deep-equal to it is already present. Creates the document and field
	// as needed. Idempotent.
	ArrayAdd(ctx context.Context, collection, key, field string, element any) error

	// ArrayRemove removes every element of the named array field that is
	// deep-equal to element. No-op if the document, field, or element is
	// absent.
	ArrayRemove(ctx context.Context, collection, key, field string, element any) error
}
