// Package docstore is a thin client for a hierarchical key/value document
// space addressed by slash separated paths: "collection/key" names a
// document, "collection/key/field" a single top-level field inside it.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the addressed document or field is absent.
	ErrNotFound = errors.New("docstore: not found")

	// ErrInvalidPath is returned for paths that do not name a document or field.
	ErrInvalidPath = errors.New("docstore: invalid path")
)

// Document is one entry of a collection as returned by List.
type Document struct {
	Key   string
	Value json.RawMessage
}

// Store is implemented by every backend.
type Store interface {
	// Get returns the JSON stored at a document or field path.
	Get(ctx context.Context, path string) (json.RawMessage, error)
	// Set overwrites a document or field. A nil value deletes it.
	Set(ctx context.Context, path string, value any) error
	// Update applies several document or field writes in one request.
	// Field writes into documents that do not exist are dropped.
	Update(ctx context.Context, updates map[string]any) error
	// Create writes a document only if nothing is stored at path and reports
	// whether it did. Concurrent callers see exactly one true.
	Create(ctx context.Context, path string, value any) (bool, error)
	// Push allocates a new time ordered key under collection without writing.
	Push(ctx context.Context, collection string) (string, error)
	// Delete removes a document.
	Delete(ctx context.Context, path string) error
	// List reads a whole collection ordered by key.
	List(ctx context.Context, collection string) ([]Document, error)
	// Increment adds delta to a numeric field, never going below zero, and
	// returns the stored result.
	Increment(ctx context.Context, path string, delta int64) (int64, error)
}

// StoreReadError wraps a backend failure while reading.
type StoreReadError struct {
	Path string
	Err  error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("docstore: read %s: %v", e.Path, e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }

// StoreWriteError wraps a backend failure while writing.
type StoreWriteError struct {
	Path string
	Err  error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("docstore: write %s: %v", e.Path, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// Path joins segments with the path separator.
func Path(segments ...string) string {
	return strings.Join(segments, "/")
}

type ref struct {
	collection string
	key        string
	field      string
}

func (r ref) String() string {
	if r.field == "" {
		return Path(r.collection, r.key)
	}
	return Path(r.collection, r.key, r.field)
}

func parsePath(path string) (ref, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 {
		return ref{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, p := range parts {
		if p == "" {
			return ref{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	r := ref{collection: parts[0], key: parts[1]}
	if len(parts) == 3 {
		r.field = parts[2]
	}
	return r, nil
}

func validCollection(collection string) error {
	if collection == "" || strings.Contains(collection, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, collection)
	}
	return nil
}

func newKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

type docKey struct {
	collection string
	key        string
}

// plan groups a multi-path update by document.
type plan struct {
	deletes    []docKey
	overwrites map[docKey]json.RawMessage
	patches    map[docKey]map[string]json.RawMessage
}

func buildPlan(updates map[string]any) (plan, error) {
	p := plan{
		overwrites: map[docKey]json.RawMessage{},
		patches:    map[docKey]map[string]json.RawMessage{},
	}
	for path, value := range updates {
		r, err := parsePath(path)
		if err != nil {
			return plan{}, err
		}
		dk := docKey{collection: r.collection, key: r.key}
		if r.field == "" {
			if value == nil {
				p.deletes = append(p.deletes, dk)
				continue
			}
			raw, err := encode(value)
			if err != nil {
				return plan{}, &StoreWriteError{Path: path, Err: err}
			}
			p.overwrites[dk] = raw
			continue
		}
		raw := json.RawMessage("null")
		if value != nil {
			if raw, err = encode(value); err != nil {
				return plan{}, &StoreWriteError{Path: path, Err: err}
			}
		}
		if p.patches[dk] == nil {
			p.patches[dk] = map[string]json.RawMessage{}
		}
		p.patches[dk][r.field] = raw
	}
	sort.Slice(p.deletes, func(i, j int) bool { return lessDocKey(p.deletes[i], p.deletes[j]) })
	return p, nil
}

func sortedDocKeys[V any](m map[docKey]V) []docKey {
	keys := make([]docKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessDocKey(keys[i], keys[j]) })
	return keys
}

func lessDocKey(a, b docKey) bool {
	if a.collection != b.collection {
		return a.collection < b.collection
	}
	return a.key < b.key
}

// mergeFields applies a field patch to a JSON object. Null values remove the field.
func mergeFields(doc json.RawMessage, patch map[string]json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, err
	}
	for name, value := range patch {
		if string(value) == "null" {
			delete(fields, name)
			continue
		}
		fields[name] = value
	}
	return json.Marshal(fields)
}

func fieldOf(doc json.RawMessage, field string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, err
	}
	value, ok := fields[field]
	if !ok || string(value) == "null" {
		return nil, ErrNotFound
	}
	return value, nil
}

func addClamped(doc json.RawMessage, field string, delta int64) (json.RawMessage, int64, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, 0, err
	}
	var current int64
	if raw, ok := fields[field]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, 0, fmt.Errorf("field %s is not an integer: %w", field, err)
		}
	}
	next := current + delta
	if next < 0 {
		next = 0
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, 0, err
	}
	fields[field] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, 0, err
	}
	return out, next, nil
}
