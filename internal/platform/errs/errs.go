// Package errs classifies errors into the categories the node logs and counts.
package errs

import (
	"errors"
	"strings"
)

const (
	CategoryAPI       = "api"
	CategoryIdentity  = "identity"
	CategoryAuth      = "auth"
	CategoryTransport = "transport"
	CategoryStorage   = "storage"
	CategoryCapacity  = "capacity"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeCategory(category string) string {
	switch c := strings.ToLower(strings.TrimSpace(category)); c {
	case CategoryIdentity, CategoryAuth, CategoryTransport, CategoryStorage, CategoryCapacity:
		return c
	default:
		return CategoryAPI
	}
}

// Wrap tags err with category. An error that already carries a category keeps it.
func Wrap(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return err
	}
	return &CategorizedError{Category: normalizeCategory(category), Err: err}
}

func Category(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeCategory(classified.Category)
	}
	return CategoryAPI
}

// Retryable reports whether the failure is transient from the caller's view.
func Retryable(err error) bool {
	return err != nil && Category(err) == CategoryTransport
}
