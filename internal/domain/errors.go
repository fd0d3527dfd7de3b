package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks store failures that should abort a run.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by lookups for unknown records.
	ErrNotFound = errors.New("not found")
)

// ConfigError reports a missing or invalid rule for an obligation kind.
type ConfigError struct {
	Kind   Kind
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for kind %q: %s", e.Kind, e.Reason)
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Unavailable wraps err so errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
