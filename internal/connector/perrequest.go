package connector

import (
	"context"

	"github.com/oriys/kvcache/internal/store"
)

// PerRequest opens a new connection on every Acquire. No handle is ever
// shared between callers, so a dropped connection affects only the request
// that holds it.
type PerRequest struct {
	driver   store.Driver
	settings Settings
}

// NewPerRequest returns a per-request connector. Settings are validated
// lazily on every Acquire so that a missing setting fails each operation
// through the normal error path.
func NewPerRequest(d store.Driver, s Settings) *PerRequest {
	return &PerRequest{driver: d, settings: s}
}

func (p *PerRequest) Strategy() string { return StrategyPerRequest }

func (p *PerRequest) Acquire(ctx context.Context) (store.Collection, Release, error) {
	if err := p.settings.Validate(); err != nil {
		return nil, nil, err
	}
	conn, err := dial(ctx, p.driver, p.settings)
	if err != nil {
		return nil, nil, &ConnectionError{Op: "connect", Err: err}
	}
	return conn.Collection(p.settings.collection()), once(func() {
		closeConn(conn, p.driver, p.settings)
	}), nil
}

// Ping opens and closes a connection. Drivers ping the server while opening.
func (p *PerRequest) Ping(ctx context.Context) error {
	if err := p.settings.Validate(); err != nil {
		return err
	}
	conn, err := dial(ctx, p.driver, p.settings)
	if err != nil {
		return &ConnectionError{Op: "ping", Err: err}
	}
	closeConn(conn, p.driver, p.settings)
	return nil
}

// EnsureIndex opens a connection and creates the collection's unique key
// index when the driver supports it.
func (p *PerRequest) EnsureIndex(ctx context.Context) error {
	if err := p.settings.Validate(); err != nil {
		return err
	}
	conn, err := dial(ctx, p.driver, p.settings)
	if err != nil {
		return &ConnectionError{Op: "ensure_index", Err: err}
	}
	defer closeConn(conn, p.driver, p.settings)
	return ensureIndex(ctx, conn, p.settings)
}

// Close is a no-op: per-request connections are closed on release.
func (p *PerRequest) Close(context.Context) error { return nil }

func ensureIndex(ctx context.Context, conn store.Conn, s Settings) error {
	idx, ok := conn.(store.Indexer)
	if !ok {
		return nil
	}
	return idx.EnsureIndex(ctx, s.collection())
}
