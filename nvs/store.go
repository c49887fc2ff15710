package nvs

import (
	"context"
	"fmt"

	"github.com/wippyai/vmbridge/errors"
)

// MaxKeyLen is the longest key a store accepts, in bytes.
const MaxKeyLen = 31

// DefaultMaxKeys is the capacity of a memory store created with NewMemory(0).
const DefaultMaxKeys = 16

// ErrFull is returned by Set when a new key does not fit.
var ErrFull = &errors.Error{Kind: errors.KindFull, Detail: "store full"}

// Store is the key/value storage behind the nvs_set and nvs_get helpers.
type Store interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (int32, bool, error)
	// Set stores val under key, replacing a previous value.
	Set(ctx context.Context, key string, val int32) error
	Close() error
}

// CheckKey validates a key against the store limits.
func CheckKey(key string) error {
	if key == "" {
		return errors.InvalidInput(errors.PhaseStore, "empty key")
	}
	if len(key) > MaxKeyLen {
		return errors.InvalidInput(errors.PhaseStore, fmt.Sprintf("key %q longer than %d bytes", key, MaxKeyLen))
	}
	return nil
}
