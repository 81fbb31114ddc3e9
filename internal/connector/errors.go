package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Acquire after the connector has been closed.
	ErrClosed = errors.New("connector: closed")

	// ErrUnhealthy is returned by a pool whose last health check failed.
	ErrUnhealthy = errors.New("connector: store unhealthy")
)

// Error kinds reported by Kind.
const (
	KindConfig     = "config"
	KindConnection = "connection"
)

// ConfigError reports a required setting that is absent. It is raised
// before any network attempt.
type ConfigError struct {
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("connector: required setting %s is not set", e.Setting)
}

func (e *ConfigError) Kind() string { return KindConfig }

// ConnectionError reports that a connection to the store could not be
// established or was lost while an operation was in flight.
type ConnectionError struct {
	Op  string
	Key string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("connector: %s %q: store connection failed: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("connector: %s: store connection failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Kind() string { return KindConnection }
