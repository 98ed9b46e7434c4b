package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapUsesProvidedCategory(t *testing.T) {
	wrapped := Wrap(CategoryTransport, errors.New("boom"))
	var classified *CategorizedError
	if !errors.As(wrapped, &classified) {
		t.Fatalf("expected categorized error, got %T", wrapped)
	}
	if classified.Category != CategoryTransport {
		t.Fatalf("expected category=%q, got %q", CategoryTransport, classified.Category)
	}
	if !Retryable(wrapped) {
		t.Fatal("transport errors should be retryable")
	}
}

func TestWrapKeepsExistingCategoryThroughFmtWrapping(t *testing.T) {
	inner := Wrap(CategoryCapacity, errors.New("full"))
	outer := Wrap(CategoryStorage, fmt.Errorf("add guardian: %w", inner))
	if got := Category(outer); got != CategoryCapacity {
		t.Fatalf("expected category=%q, got %q", CategoryCapacity, got)
	}
}

func TestUnknownCategoryNormalizesToAPI(t *testing.T) {
	if got := Category(Wrap("unknown", errors.New("boom"))); got != CategoryAPI {
		t.Fatalf("expected category=%q, got %q", CategoryAPI, got)
	}
	if got := Category(errors.New("plain")); got != CategoryAPI {
		t.Fatalf("expected default category=%q, got %q", CategoryAPI, got)
	}
	if Wrap(CategoryAuth, nil) != nil {
		t.Fatal("wrapping nil must return nil")
	}
}
