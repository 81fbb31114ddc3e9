package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/oriys/kvcache/internal/store"
)

// fakeDriver wraps the memory driver and counts connections. Failure modes
// are toggled per test.
type fakeDriver struct {
	mem *store.MemoryDriver

	opens  atomic.Int64
	closes atomic.Int64

	mu       sync.Mutex
	openErr  error
	closeErr error
	pingErr  error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{mem: store.NewMemoryDriver()}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Open(ctx context.Context, uri, database string) (store.Conn, error) {
	d.mu.Lock()
	err := d.openErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	conn, err := d.mem.Open(ctx, uri, database)
	if err != nil {
		return nil, err
	}
	d.opens.Add(1)
	return &fakeConn{Conn: conn, d: d}, nil
}

func (d *fakeDriver) failOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) failClose(err error) {
	d.mu.Lock()
	d.closeErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) failPing(err error) {
	d.mu.Lock()
	d.pingErr = err
	d.mu.Unlock()
}

// open reports connections opened and not yet closed.
func (d *fakeDriver) open() int64 { return d.opens.Load() - d.closes.Load() }

type fakeConn struct {
	store.Conn
	d *fakeDriver
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.d.mu.Lock()
	err := c.d.pingErr
	c.d.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Conn.Ping(ctx)
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.d.closes.Add(1)
	c.d.mu.Lock()
	err := c.d.closeErr
	c.d.mu.Unlock()
	if cerr := c.Conn.Close(ctx); cerr != nil {
		return cerr
	}
	return err
}

var errDown = store.Unavailable(errors.New("connection refused"))

func testSettings() Settings {
	return Settings{URI: "mem://test", Database: "db"}
}
