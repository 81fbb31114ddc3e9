// Package connector manages connections to the backing store and hands out
// collection handles. Two strategies are provided: PerRequest opens a fresh
// connection for every Acquire and closes it on release; Pool keeps one
// health-checked connection that is initialized at process start and
// drained at shutdown.
package connector

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oriys/kvcache/internal/logging"
	"github.com/oriys/kvcache/internal/metrics"
	"github.com/oriys/kvcache/internal/store"
)

// Strategy names.
const (
	StrategyPerRequest = "per-request"
	StrategyPooled     = "pooled"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultCloseTimeout   = 5 * time.Second
)

// Release returns a handle obtained from Acquire. It must be called exactly
// once; later calls are no-ops.
type Release func()

// Connector hands out collection handles.
type Connector interface {
	// Acquire returns a handle on the configured collection. It fails with
	// *ConfigError when a required setting is missing and with
	// *ConnectionError when the store cannot be reached.
	Acquire(ctx context.Context) (store.Collection, Release, error)

	// Ping verifies that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases connector resources. Acquire fails afterwards.
	Close(ctx context.Context) error

	Strategy() string
}

// Settings are the connection parameters, read once at process start.
type Settings struct {
	URI        string
	Database   string
	Collection string

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// CloseTimeout bounds closing a connection on release.
	CloseTimeout time.Duration
}

// Validate reports the first missing required setting.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.URI) == "" {
		return &ConfigError{Setting: "store.uri"}
	}
	if strings.TrimSpace(s.Database) == "" {
		return &ConfigError{Setting: "store.database"}
	}
	return nil
}

func (s Settings) collection() string {
	if s.Collection == "" {
		return store.DefaultCollection
	}
	return s.Collection
}

func (s Settings) connectTimeout() time.Duration {
	if s.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return s.ConnectTimeout
}

func (s Settings) closeTimeout() time.Duration {
	if s.CloseTimeout <= 0 {
		return defaultCloseTimeout
	}
	return s.CloseTimeout
}

// dial opens one connection bounded by the connect timeout.
func dial(ctx context.Context, d store.Driver, s Settings) (store.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout())
	defer cancel()
	conn, err := d.Open(ctx, s.URI, s.Database)
	if err != nil {
		metrics.RecordConnectionError(d.Name(), "dial")
		return nil, err
	}
	metrics.RecordConnectionOpened(d.Name())
	return conn, nil
}

// closeConn closes conn with a fresh bounded context: the caller's context
// may already be done by the time a handle is released. Failures are
// logged and counted, never returned.
func closeConn(conn store.Conn, d store.Driver, s Settings) {
	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout())
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		metrics.RecordReleaseFailure(d.Name())
		logging.Op().Warn("failed to close store connection",
			"driver", d.Name(),
			"error", err,
		)
	}
}

func once(fn func()) Release {
	var o sync.Once
	return func() { o.Do(fn) }
}
