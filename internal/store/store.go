// Package store is the document-store boundary the reconciliation engine
// talks to. Documents are flat maps keyed by (collection, id); the engine
// only needs point reads, equality queries, ordered range scans and
// insert-if-absent writes.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Document is a stored record. Values are JSON-compatible.
type Document map[string]any

// Clone returns a shallow copy, enough for the flat documents stored here.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Operator is a query comparison.
type Operator string

const (
	OpEqual    Operator = "=="
	OpNotEqual Operator = "!="
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Error wraps a failed store call with the operation and collection.
// The engine reports it per row as a StoreError.
type Error struct {
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Collection: collection, Err: err}
}

// Store is satisfied by MemoryStore and PostgresStore.
type Store interface {
	// Get returns the document stored under id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Query returns documents whose field compares to value under op.
	// Values are compared by their canonical string form.
	Query(ctx context.Context, collection, field string, op Operator, value any) ([]Document, error)

	// RangeQuery returns documents whose field lies in [lower, upper),
	// ordered by that field.
	RangeQuery(ctx context.Context, collection, field, lower, upper string) ([]Document, error)

	// All enumerates a collection ordered by id.
	All(ctx context.Context, collection string) ([]Document, error)

	// InsertIfAbsent writes doc under id, or returns ErrConflict if id is taken.
	InsertIfAbsent(ctx context.Context, collection, id string, doc Document) error

	// Update shallow-merges partial into the document under id.
	Update(ctx context.Context, collection, id string, partial Document) error

	// Delete removes the document under id.
	Delete(ctx context.Context, collection, id string) error
}

// IDKey is the reserved field every backend fills with the store key on read.
const IDKey = "_key"

// Key returns the store key of a document read from a Store.
func Key(doc Document) string {
	if k, ok := doc[IDKey].(string); ok {
		return k
	}
	return ""
}

// compareValue renders a query value the way backends compare it.
func compareValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprint(t)
	}
}
