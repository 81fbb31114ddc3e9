package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oriys/kvcache/internal/logging"
	"github.com/oriys/kvcache/internal/metrics"
	"github.com/oriys/kvcache/internal/store"
)

// PoolOptions tune the pooled connector.
type PoolOptions struct {
	// HealthCheckInterval is the period between pings (default 10s).
	HealthCheckInterval time.Duration
	// ConnectRetries bounds the attempts made by NewPool before giving up.
	ConnectRetries int
	// RetryInterval is the initial backoff between start-up attempts.
	RetryInterval time.Duration
	// DrainTimeout bounds how long a replaced connection stays open for
	// handles still using it (default 30s).
	DrainTimeout time.Duration
}

const defaultDrainTimeout = 30 * time.Second

// pooledConn is a connection plus the handles currently using it.
type pooledConn struct {
	conn store.Conn
	refs sync.WaitGroup
}

// Pool shares one connection between all callers. The drivers pool
// sockets internally; the Pool adds explicit start-up, a health check that
// stops handing out a broken connection, and drain on shutdown.
type Pool struct {
	driver   store.Driver
	settings Settings
	interval time.Duration
	drain    time.Duration

	mu      sync.RWMutex
	cur     *pooledConn
	lastErr error
	closed  bool

	inflight sync.WaitGroup
	retiring sync.WaitGroup
	stop     chan struct{}
	done     chan struct{}
	abandon  chan struct{}
}

// NewPool validates settings, connects (retrying transient failures with
// exponential backoff) and starts the health check loop.
func NewPool(ctx context.Context, d store.Driver, s Settings, opts PoolOptions) (*Pool, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	interval := opts.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}

	eb := backoff.NewExponentialBackOff()
	if opts.RetryInterval > 0 {
		eb.InitialInterval = opts.RetryInterval
	}
	retries := opts.ConnectRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	var conn store.Conn
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c, err := dial(ctx, d, s)
		if err != nil {
			if !store.IsTransient(err) {
				return backoff.Permanent(err)
			}
			logging.Op().Warn("store not reachable, retrying",
				"driver", d.Name(),
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}

	p := &Pool{
		driver:   d,
		settings: s,
		interval: interval,
		drain:    drain,
		cur:      &pooledConn{conn: conn},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		abandon:  make(chan struct{}),
	}
	metrics.SetPoolHealthy(d.Name(), true)
	go p.healthLoop()
	return p, nil
}

func (p *Pool) Strategy() string { return StrategyPooled }

func (p *Pool) Acquire(ctx context.Context) (store.Collection, Release, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, nil, &ConnectionError{Op: "acquire", Err: ErrClosed}
	}
	if p.lastErr != nil {
		return nil, nil, &ConnectionError{Op: "acquire", Err: fmt.Errorf("%w: %w", ErrUnhealthy, p.lastErr)}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, &ConnectionError{Op: "acquire", Err: store.Unavailable(err)}
	}
	pc := p.cur
	pc.refs.Add(1)
	p.inflight.Add(1)
	release := once(func() {
		pc.refs.Done()
		p.inflight.Done()
	})
	return pc.conn.Collection(p.settings.collection()), release, nil
}

// Ping pings the shared connection.
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	conn, closed := p.cur.conn, p.closed
	p.mu.RUnlock()
	if closed {
		return &ConnectionError{Op: "ping", Err: ErrClosed}
	}
	if err := conn.Ping(ctx); err != nil {
		return &ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// Healthy reports the result of the last health check.
func (p *Pool) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.lastErr == nil
}

// EnsureIndex creates the collection's unique key index on the shared
// connection.
func (p *Pool) EnsureIndex(ctx context.Context) error {
	p.mu.RLock()
	conn := p.cur.conn
	p.mu.RUnlock()
	return ensureIndex(ctx, conn, p.settings)
}

// Close stops the health check, waits for outstanding handles to be
// released (until ctx is done) and closes the connection.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logging.Op().Warn("closing store pool with handles still in use",
			"driver", p.driver.Name(),
			"error", ctx.Err(),
		)
	}

	close(p.abandon)
	p.retiring.Wait()

	metrics.SetPoolHealthy(p.driver.Name(), false)
	cctx, cancel := context.WithTimeout(context.Background(), p.settings.closeTimeout())
	defer cancel()
	if err := p.cur.conn.Close(cctx); err != nil {
		return fmt.Errorf("close store pool: %w", err)
	}
	return nil
}

func (p *Pool) healthLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.check()
		}
	}
}

// check pings the shared connection. On failure the pool stops handing out
// handles and tries to replace the connection; handles already in use keep
// the old one, which is closed once they are released.
func (p *Pool) check() {
	p.mu.RLock()
	conn := p.cur.conn
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.settings.connectTimeout())
	defer cancel()

	err := conn.Ping(ctx)
	if err == nil {
		p.markHealthy()
		return
	}

	p.mu.Lock()
	wasHealthy := p.lastErr == nil
	p.lastErr = err
	p.mu.Unlock()
	metrics.SetPoolHealthy(p.driver.Name(), false)
	if wasHealthy {
		logging.Op().Error("store health check failed",
			"driver", p.driver.Name(),
			"error", err,
		)
	}

	fresh, err := dial(ctx, p.driver, p.settings)
	if err != nil {
		logging.Op().Warn("store reconnect failed", "driver", p.driver.Name(), "error", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeConn(fresh, p.driver, p.settings)
		return
	}
	old := p.cur
	p.cur = &pooledConn{conn: fresh}
	p.lastErr = nil
	p.retiring.Add(1)
	p.mu.Unlock()

	metrics.SetPoolHealthy(p.driver.Name(), true)
	logging.Op().Info("store connection replaced", "driver", p.driver.Name())
	go p.retire(old)
}

// retire closes a replaced connection after its handles are released, the
// drain timeout passes or Close gives up waiting.
func (p *Pool) retire(pc *pooledConn) {
	defer p.retiring.Done()

	released := make(chan struct{})
	go func() {
		pc.refs.Wait()
		close(released)
	}()

	timer := time.NewTimer(p.drain)
	defer timer.Stop()
	select {
	case <-released:
	case <-timer.C:
		logging.Op().Warn("closing replaced store connection with handles still in use",
			"driver", p.driver.Name(),
			"drain_timeout", p.drain,
		)
	case <-p.abandon:
	}
	closeConn(pc.conn, p.driver, p.settings)
}

func (p *Pool) markHealthy() {
	p.mu.Lock()
	recovered := p.lastErr != nil
	p.lastErr = nil
	p.mu.Unlock()
	if recovered {
		metrics.SetPoolHealthy(p.driver.Name(), true)
		logging.Op().Info("store health check recovered", "driver", p.driver.Name())
	}
}
