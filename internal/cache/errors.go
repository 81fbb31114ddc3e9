package cache

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when no entry is stored under the key. It is
	// an expected outcome, not a failure.
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("cache: key is required")

	// ErrMalformedKey is returned for a key that is not valid UTF-8. Such
	// keys could not be listed back faithfully.
	ErrMalformedKey = errors.New("cache: key is not valid UTF-8")
)

// ValidateKey reports whether key can be stored.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if !utf8.ValidString(key) {
		return ErrMalformedKey
	}
	return nil
}

// KindStoreOperation is reported by StoreOperationError.Kind.
const KindStoreOperation = "store_operation"

// StoreOperationError reports that the store rejected or failed an
// operation while the connection itself was healthy.
type StoreOperationError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreOperationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache: %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("cache: %s: %v", e.Op, e.Err)
}

func (e *StoreOperationError) Unwrap() error { return e.Err }

func (e *StoreOperationError) Kind() string { return KindStoreOperation }
