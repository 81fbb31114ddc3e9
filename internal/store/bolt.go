package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDriver keeps entries in an embedded bbolt file. The uri is the file
// path; the database name is the top-level bucket and each collection is a
// bucket nested under it. bbolt holds an exclusive file lock, so a file can
// only be open once per process at a time.
type BoltDriver struct {
	// LockTimeout bounds how long Open waits for the file lock.
	LockTimeout time.Duration
}

func (BoltDriver) Name() string { return DriverBolt }

func (d BoltDriver) Open(ctx context.Context, uri, database string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(err)
	}
	timeout := d.LockTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if dir := filepath.Dir(uri); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bolt directory: %w", err)
		}
	}
	db, err := bolt.Open(uri, 0o600, &bolt.Options{Timeout: timeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, Unavailable(fmt.Errorf("bolt open %s: %w", uri, err))
	}
	if err != nil {
		return nil, fmt.Errorf("bolt open %s: %w", uri, err)
	}
	bucket := []byte(database)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt create bucket: %w", err)
	}
	return &BoltConn{db: db, bucket: bucket}, nil
}

// BoltConn is an open bbolt file.
type BoltConn struct {
	db     *bolt.DB
	bucket []byte
}

func (c *BoltConn) Collection(name string) Collection {
	return &boltCollection{db: c.db, parent: c.bucket, name: []byte(name)}
}

func (c *BoltConn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(err)
	}
	return boltErr(c.db.View(func(tx *bolt.Tx) error { return nil }))
}

func (c *BoltConn) Close(_ context.Context) error {
	return c.db.Close()
}

// EnsureIndex creates the collection bucket. Bucket keys are unique by
// construction.
func (c *BoltConn) EnsureIndex(ctx context.Context, collection string) error {
	return boltErr(c.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.Bucket(c.bucket).CreateBucketIfNotExists([]byte(collection))
		return err
	}))
}

type boltCollection struct {
	db     *bolt.DB
	parent []byte
	name   []byte
}

// bucket returns the collection bucket or nil when nothing was ever
// written to it.
func (c *boltCollection) bucket(tx *bolt.Tx) *bolt.Bucket {
	parent := tx.Bucket(c.parent)
	if parent == nil {
		return nil
	}
	return parent.Bucket(c.name)
}

func (c *boltCollection) FindOne(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(err)
	}
	var (
		out    string
		exists bool
	)
	if err := c.db.View(func(tx *bolt.Tx) error {
		b := c.bucket(tx)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if len(v) == 0 {
			return nil
		}
		exists = true
		out = string(v[1:])
		return nil
	}); err != nil {
		return nil, boltErr(err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &Entry{Key: key, Value: out}, nil
}

func (c *boltCollection) Upsert(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(err)
	}
	if key == "" {
		return bolt.ErrKeyRequired
	}
	return boltErr(c.db.Update(func(tx *bolt.Tx) error {
		parent, err := tx.CreateBucketIfNotExists(c.parent)
		if err != nil {
			return err
		}
		b, err := parent.CreateBucketIfNotExists(c.name)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), encodeBoltValue(value))
	}))
}

func (c *boltCollection) DeleteOne(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, Unavailable(err)
	}
	var removed int64
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := c.bucket(tx)
		if b == nil || len(b.Get([]byte(key))) == 0 {
			return nil
		}
		removed = 1
		return b.Delete([]byte(key))
	})
	if err != nil {
		return 0, boltErr(err)
	}
	return removed, nil
}

func (c *boltCollection) FindKeys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(err)
	}
	keys := []string{}
	err := c.db.View(func(tx *bolt.Tx) error {
		b := c.bucket(tx)
		if b == nil {
			return nil
		}
		// Walking the cursor by key only; values are never copied out.
		cur := b.Cursor()
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return keys, nil
}

// Layout: 1 byte format marker || raw value. The marker keeps empty values
// distinguishable from absent keys.
const boltValueV1 byte = 1

func encodeBoltValue(value string) []byte {
	buf := make([]byte, 1+len(value))
	buf[0] = boltValueV1
	copy(buf[1:], value)
	return buf
}

func boltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return Unavailable(err)
	}
	return err
}
