package store

import (
	"context"
	"errors"
	"sync"
)

// ErrConnClosed is returned by operations on a connection after Close.
var ErrConnClosed = errors.New("store: connection closed")

// MemoryDriver keeps databases in process memory. Databases are shared per
// (uri, database) pair, so two connections opened with the same settings
// see the same entries, like two clients of one server would.
type MemoryDriver struct {
	mu        sync.Mutex
	databases map[string]*memDatabase
}

var defaultMemory = NewMemoryDriver()

// DefaultMemoryDriver returns the process-wide memory driver.
func DefaultMemoryDriver() *MemoryDriver { return defaultMemory }

// NewMemoryDriver returns a driver with its own set of databases.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{databases: make(map[string]*memDatabase)}
}

func (d *MemoryDriver) Name() string { return DriverMemory }

func (d *MemoryDriver) Open(ctx context.Context, uri, database string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uri + "\x00" + database
	db, ok := d.databases[id]
	if !ok {
		db = &memDatabase{collections: make(map[string]*memCollection)}
		d.databases[id] = db
	}
	return &memConn{db: db}, nil
}

type memDatabase struct {
	mu          sync.Mutex
	collections map[string]*memCollection
}

func (db *memDatabase) collection(name string) *memCollection {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.collections[name]
	if !ok {
		c = &memCollection{entries: make(map[string]string)}
		db.collections[name] = c
	}
	return c
}

type memConn struct {
	db     *memDatabase
	mu     sync.RWMutex
	closed bool
}

func (c *memConn) Collection(name string) Collection {
	return &memHandle{conn: c, coll: c.db.collection(name)}
}

func (c *memConn) Ping(ctx context.Context) error {
	return c.check(ctx)
}

func (c *memConn) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.closed = true
	return nil
}

func (c *memConn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return Unavailable(ErrConnClosed)
	}
	return nil
}

type memCollection struct {
	mu      sync.RWMutex
	entries map[string]string
}

// memHandle binds a collection to the connection it was resolved from so
// that operations fail once that connection is closed.
type memHandle struct {
	conn *memConn
	coll *memCollection
}

func (h *memHandle) FindOne(ctx context.Context, key string) (*Entry, error) {
	if err := h.conn.check(ctx); err != nil {
		return nil, err
	}
	h.coll.mu.RLock()
	defer h.coll.mu.RUnlock()
	v, ok := h.coll.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Entry{Key: key, Value: v}, nil
}

func (h *memHandle) Upsert(ctx context.Context, key, value string) error {
	if err := h.conn.check(ctx); err != nil {
		return err
	}
	h.coll.mu.Lock()
	defer h.coll.mu.Unlock()
	h.coll.entries[key] = value
	return nil
}

func (h *memHandle) DeleteOne(ctx context.Context, key string) (int64, error) {
	if err := h.conn.check(ctx); err != nil {
		return 0, err
	}
	h.coll.mu.Lock()
	defer h.coll.mu.Unlock()
	if _, ok := h.coll.entries[key]; !ok {
		return 0, nil
	}
	delete(h.coll.entries, key)
	return 1, nil
}

func (h *memHandle) FindKeys(ctx context.Context) ([]string, error) {
	if err := h.conn.check(ctx); err != nil {
		return nil, err
	}
	h.coll.mu.RLock()
	defer h.coll.mu.RUnlock()
	keys := make([]string, 0, len(h.coll.entries))
	for k := range h.coll.entries {
		keys = append(keys, k)
	}
	return keys, nil
}
