// Package cache is the access layer between the HTTP surface and the
// backing store. Every call acquires a collection handle from a connector,
// runs exactly one store operation, releases the handle and classifies the
// outcome.
package cache

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/kvcache/internal/connector"
	"github.com/oriys/kvcache/internal/metrics"
	"github.com/oriys/kvcache/internal/observability"
	"github.com/oriys/kvcache/internal/store"
)

const defaultOperationTimeout = 10 * time.Second

// Operation names, used for metrics, spans and error values.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpKeys   = "keys"
)

// Options configure a Service.
type Options struct {
	// OperationTimeout bounds one call, including connection setup and
	// release. Zero selects 10s.
	OperationTimeout time.Duration
	// Driver names the store driver in spans.
	Driver string
}

// Service performs cache operations against a connector.
type Service struct {
	conn    connector.Connector
	timeout time.Duration
	driver  string
}

// NewService returns a service backed by c. The service does not own c;
// the caller closes it.
func NewService(c connector.Connector, opts Options) *Service {
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &Service{conn: c, timeout: timeout, driver: opts.Driver}
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.do(ctx, OpGet, key, func(ctx context.Context, coll store.Collection) error {
		e, err := coll.FindOne(ctx, key)
		if err != nil {
			return err
		}
		value = e.Value
		return nil
	})
	return value, err
}

// Put stores value under key, replacing any previous value.
func (s *Service) Put(ctx context.Context, key, value string) error {
	return s.do(ctx, OpPut, key, func(ctx context.Context, coll store.Collection) error {
		trace.SpanFromContext(ctx).SetAttributes(observability.AttrValueSize.Int(len(value)))
		return coll.Upsert(ctx, key, value)
	})
}

// Delete removes the entry stored under key. It returns ErrNotFound when
// nothing was removed.
func (s *Service) Delete(ctx context.Context, key string) error {
	return s.do(ctx, OpDelete, key, func(ctx context.Context, coll store.Collection) error {
		n, err := coll.DeleteOne(ctx, key)
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// Keys returns every stored key in no particular order. The result is
// never nil.
func (s *Service) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.do(ctx, OpKeys, "", func(ctx context.Context, coll store.Collection) error {
		k, err := coll.FindKeys(ctx)
		if err != nil {
			return err
		}
		keys = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.conn.Ping(ctx)
}

// Strategy returns the connector strategy in use.
func (s *Service) Strategy() string { return s.conn.Strategy() }

func (s *Service) do(ctx context.Context, op, key string, fn func(context.Context, store.Collection) error) error {
	start := time.Now()

	attrs := []attribute.KeyValue{
		observability.AttrOp.String(op),
		observability.AttrStrategy.String(s.conn.Strategy()),
	}
	if key != "" && utf8.ValidString(key) {
		attrs = append(attrs, observability.AttrKey.String(key))
	}
	if s.driver != "" {
		attrs = append(attrs, observability.AttrDriver.String(s.driver))
	}
	ctx, span := observability.StartClientSpan(ctx, "cache."+op, attrs...)
	defer span.End()

	err := s.run(ctx, op, key, fn)

	result := resultOf(err)
	span.SetAttributes(observability.AttrResult.String(result))
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		observability.SetSpanOK(span)
	default:
		observability.SetSpanError(span, err)
	}
	metrics.RecordCacheOperation(op, result, float64(time.Since(start).Microseconds())/1000)
	return err
}

func (s *Service) run(ctx context.Context, op, key string, fn func(context.Context, store.Collection) error) error {
	if op != OpKeys {
		if err := ValidateKey(key); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	coll, release, err := s.conn.Acquire(ctx)
	if err != nil {
		return classify(op, key, err)
	}
	defer release()

	return classify(op, key, fn(ctx, coll))
}

// classify maps a connector or store error onto the error kinds callers
// switch on.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var cfgErr *connector.ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	var connErr *connector.ConnectionError
	if errors.As(err, &connErr) {
		if connErr.Key == "" && key != "" {
			return &connector.ConnectionError{Op: op, Key: key, Err: connErr.Err}
		}
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if store.IsTransient(err) {
		return &connector.ConnectionError{Op: op, Key: key, Err: err}
	}
	return &StoreOperationError{Op: op, Key: key, Err: err}
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	if errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrMalformedKey) {
		return "invalid_key"
	}
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		return kinded.Kind() + "_error"
	}
	return "error"
}
