package connector

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/oriys/kvcache/internal/logging"
	"github.com/oriys/kvcache/internal/store"
)

func TestValidateMissingSettings(t *testing.T) {
	tests := []struct {
		name    string
		s       Settings
		setting string
	}{
		{"no uri", Settings{Database: "db"}, "store.uri"},
		{"blank uri", Settings{URI: "  ", Database: "db"}, "store.uri"},
		{"no database", Settings{URI: "mongodb://localhost"}, "store.database"},
		{"both missing", Settings{}, "store.uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Setting != tt.setting {
				t.Fatalf("expected setting %s, got %s", tt.setting, cfgErr.Setting)
			}
			if cfgErr.Kind() != KindConfig {
				t.Fatalf("expected kind %s, got %s", KindConfig, cfgErr.Kind())
			}
		})
	}
}

func TestPerRequestConfigErrorBeforeDial(t *testing.T) {
	d := newFakeDriver()
	c := NewPerRequest(d, Settings{URI: "mem://test"})

	_, _, err := c.Acquire(context.Background())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if err := c.Ping(context.Background()); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError from Ping, got %v", err)
	}
	if n := d.opens.Load(); n != 0 {
		t.Fatalf("expected no connection attempts, got %d", n)
	}
}

func TestPerRequestAcquireRelease(t *testing.T) {
	d := newFakeDriver()
	c := NewPerRequest(d, testSettings())
	ctx := context.Background()

	coll, release, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := coll.Upsert(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if d.open() != 1 {
		t.Fatalf("expected 1 open connection, got %d", d.open())
	}
	release()
	release()
	if d.open() != 0 {
		t.Fatalf("expected connection closed after release, %d still open", d.open())
	}
	if n := d.closes.Load(); n != 1 {
		t.Fatalf("expected exactly one close, got %d", n)
	}

	// A second acquire gets a fresh connection on the same database.
	coll, release, err = c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()
	e, err := coll.FindOne(ctx, "foo")
	if err != nil || e.Value != "bar" {
		t.Fatalf("expected bar, got %v, %v", e, err)
	}
	if n := d.opens.Load(); n != 2 {
		t.Fatalf("expected 2 connections opened, got %d", n)
	}
}

func TestPerRequestConnectionError(t *testing.T) {
	d := newFakeDriver()
	d.failOpen(errDown)
	c := NewPerRequest(d, testSettings())

	_, _, err := c.Acquire(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.Kind() != KindConnection {
		t.Fatalf("expected kind %s, got %s", KindConnection, connErr.Kind())
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected cause to be reachable, got %v", err)
	}
}

func TestPerRequestCloseFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.Op()
	logging.SetOp(slog.New(slog.NewTextHandler(&buf, nil)))
	defer logging.SetOp(prev)

	d := newFakeDriver()
	d.failClose(errors.New("socket already gone"))
	c := NewPerRequest(d, testSettings())

	coll, release, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := coll.Upsert(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	release()

	if !strings.Contains(buf.String(), "failed to close store connection") {
		t.Fatalf("expected close failure to be logged, got %q", buf.String())
	}
}

func TestPerRequestEnsureIndex(t *testing.T) {
	d := newFakeDriver()
	c := NewPerRequest(d, testSettings())
	if err := c.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	if d.open() != 0 {
		t.Fatalf("expected connection closed after EnsureIndex, %d open", d.open())
	}
}

func TestConnectionErrorMessage(t *testing.T) {
	err := &ConnectionError{Op: "get", Key: "foo", Err: errors.New("boom")}
	if got := err.Error(); !strings.Contains(got, `get "foo"`) || !strings.Contains(got, "boom") {
		t.Fatalf("unexpected message: %s", got)
	}
}
