package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or erased customer and interaction ids.
	// It is surfaced to callers and never retried.
	ErrNotFound = errors.New("not found")

	// ErrTransientStore marks storage that is temporarily unavailable.
	// Operations returning it are safe to call again.
	ErrTransientStore = errors.New("transient store error")

	// ErrEmbeddingUnavailable is returned by embedders that cannot produce a
	// vector right now.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrVersionMismatch is returned when vectors from different embedding
	// versions would be mixed.
	ErrVersionMismatch = errors.New("embedding version mismatch")

	// ErrInvalidInput is returned for malformed collaborator input.
	ErrInvalidInput = errors.New("invalid input")
)

// ErrErased is returned for customers removed by an erasure request. It
// matches ErrNotFound so callers need not tell the two apart.
var ErrErased = fmt.Errorf("%w: customer erased", ErrNotFound)

// Transient wraps err so that IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
