package store

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Normalize converts an arbitrary Go value to its JSON-normalized form
// (strings, float64, bool, nil, []any, map[string]any) by round-tripping
// it through encoding/json. All values handed to a Store must be
// normalized so that element equality is identical across backends.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	return out, nil
}

// NormalizeDocument normalizes every field of a document.
func NormalizeDocument(doc Document) (Document, error) {
	norm, err := Normalize(doc)
	if err != nil {
		return nil, err
	}
	if norm == nil {
		return Document{}, nil
	}
	out, ok := norm.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document did not normalize to an object: %T", norm)
	}
	return out, nil
}

// ValueEqual reports whether two values are deep-equal after JSON
// normalization. This is the equality used by ArrayAdd and ArrayRemove,
// matching set-membership semantics of document databases: field order is
// irrelevant, array order is significant.
func ValueEqual(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

// DecodeField decodes the named document field into out, which must be a
// pointer. A missing field leaves out untouched and returns false.
func DecodeField(doc Document, field string, out any) (bool, error) {
	raw, ok := doc[field]
	if !ok || raw == nil {
		return false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false, fmt.Errorf("encoding field %q: %w", field, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding field %q: %w", field, err)
	}
	return true, nil
}

// CloneDocument returns a deep copy of doc. Backends hand clones to
// change handlers so callers can never mutate internal state.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	clone, err := NormalizeDocument(doc)
	if err != nil {
		// Documents are normalized on the way in, so this cannot fail
		// for values a Store accepted.
		return Document{}
	}
	return clone
}
