// Package store defines the document-store client used by the cache access
// layer. A Driver opens a Conn to a backing store; a Conn resolves named
// Collections. Every Collection is keyed by a single string field and holds
// opaque string values. Implementations exist for MongoDB, PostgreSQL,
// Redis, an embedded bbolt file and a process-local map.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultCollection is the collection the cache lives in.
const DefaultCollection = "cache"

var (
	// ErrNotFound is returned by FindOne when no entry matches the key.
	ErrNotFound = errors.New("store: entry not found")

	// ErrUnavailable marks failures of the transport rather than of the
	// operation: the server could not be reached, the connection dropped or
	// the deadline passed while waiting on the store.
	ErrUnavailable = errors.New("store: unavailable")
)

// Entry is the sole persisted document.
type Entry struct {
	Key   string `json:"key" bson:"key"`
	Value string `json:"value" bson:"value"`
}

// Collection is a single logical collection of entries keyed by Entry.Key.
// Each method is atomic for the key it touches.
type Collection interface {
	// FindOne returns the entry stored under key, or ErrNotFound.
	FindOne(ctx context.Context, key string) (*Entry, error)

	// Upsert replaces the value stored under key, creating the entry when
	// it does not exist.
	Upsert(ctx context.Context, key, value string) error

	// DeleteOne removes the entry stored under key and reports how many
	// entries were removed (0 or 1).
	DeleteOne(ctx context.Context, key string) (int64, error)

	// FindKeys returns every key in the collection. Values are not read
	// into the result.
	FindKeys(ctx context.Context) ([]string, error)
}

// Conn is an open channel to a store database.
type Conn interface {
	Collection(name string) Collection
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Driver opens connections to one kind of backing store.
type Driver interface {
	Name() string
	Open(ctx context.Context, uri, database string) (Conn, error)
}

// Indexer is implemented by connections whose collections need an explicit
// unique index on the key field.
type Indexer interface {
	EnsureIndex(ctx context.Context, collection string) error
}

// Driver names accepted by Open.
const (
	DriverMongo    = "mongodb"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverBolt     = "bolt"
	DriverMemory   = "memory"
)

// Open returns the driver registered under name. An empty name selects
// MongoDB.
func Open(name string) (Driver, error) {
	switch name {
	case "", DriverMongo, "mongo":
		return MongoDriver{}, nil
	case DriverPostgres, "postgresql", "pg":
		return PostgresDriver{}, nil
	case DriverRedis:
		return RedisDriver{}, nil
	case DriverBolt, "bbolt":
		return BoltDriver{}, nil
	case DriverMemory:
		return DefaultMemoryDriver(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q (want one of %s)", name, strings.Join(Drivers(), ", "))
	}
}

// Drivers lists the canonical driver names.
func Drivers() []string {
	names := []string{DriverMongo, DriverPostgres, DriverRedis, DriverBolt, DriverMemory}
	sort.Strings(names)
	return names
}

// unavailableError wraps a transport failure so it matches ErrUnavailable
// while keeping the cause reachable.
type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v", ErrUnavailable.Error(), e.err)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
// A nil err stays nil.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &unavailableError{err: err}
}

// IsTransient reports whether err came from the context or the transport
// rather than from the store rejecting the request.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
