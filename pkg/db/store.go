// Package db defines the DocumentStore collaborator: a document database
// with per-document upserts and a change-stream feed. Three
// implementations are provided: a MongoDB-backed store for production
// (mongo.go), an embedded BoltDB-backed store for dependency-free dev-mode
// operation (bolt.go), and an in-memory store for tests (memstore.go).
package db

import "context"

// Operation names a change-stream event kind, mirroring MongoDB's
// operationType field.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpReplace Operation = "replace"
	OpDelete  Operation = "delete"
)

// ChangeEvent is a single change-stream notification, carrying the full
// post-change document the way MongoDB's "updateLookup" full document
// lookup option does.
type ChangeEvent struct {
	Operation     Operation
	FullDocument  map[string]any
	UpdatedFields []string
}

// WatchOptions scopes a change-feed subscription to a collection, a set of
// operation types, and an optional post-decode predicate over the full
// document — this stands in for a MongoDB $match aggregation stage, which
// the in-memory test double can't evaluate generically.
type WatchOptions struct {
	Collection string
	Operations []Operation
	Match      func(fullDocument map[string]any) bool
}

func (o WatchOptions) matches(ev ChangeEvent) bool {
	opMatched := len(o.Operations) == 0
	for _, op := range o.Operations {
		if op == ev.Operation {
			opMatched = true
			break
		}
	}
	if !opMatched {
		return false
	}
	if o.Match == nil {
		return true
	}
	return o.Match(ev.FullDocument)
}

// ErrNotFound is returned by FindOne when no document matches the filter.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "db: document not found" }

// Store is the DocumentStore collaborator.
type Store interface {
	Collection(name string) Collection
	Watch(ctx context.Context, opts WatchOptions) (<-chan ChangeEvent, func(), error)
	Close(ctx context.Context) error

	// ForApp returns a Store scoped to appID's own dedicated database,
	// sharing the underlying connection. It is what backs the synchronous
	// and async DB clients a dispatched function sees on its context
	// object.
	ForApp(appID string) Store

	// ProvisionApp ensures appID's dedicated database and database user
	// exist, granting the user dbAdmin and readWrite on that database.
	// Idempotent: calling it again for an already-provisioned app is a
	// no-op.
	ProvisionApp(ctx context.Context, appID, password string) error

	// DropApp removes appID's dedicated database and database user. Called
	// once during application deletion, after every owned document and
	// bucket has been removed.
	DropApp(ctx context.Context, appID string) error
}

// Collection is a single named collection within a Store. Filters and
// updates are plain maps (equality-match filters; updates use a MongoDB-
// style {"$set": {...}} shape) so both the Mongo-backed and in-memory
// implementations share exactly one call convention.
type Collection interface {
	InsertOne(ctx context.Context, doc map[string]any) error
	FindOne(ctx context.Context, filter map[string]any) (map[string]any, error)
	Find(ctx context.Context, filter map[string]any) ([]map[string]any, error)
	UpdateOne(ctx context.Context, filter map[string]any, update map[string]any) error
	ReplaceOne(ctx context.Context, filter map[string]any, doc map[string]any, upsert bool) error
	DeleteOne(ctx context.Context, filter map[string]any) error
}
