package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("queue campaign: %w", Validation("campaign is already %s", "sending"))

	if !errors.Is(err, ErrValidation) {
		t.Fatalf("want validation kind, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("validation error must not match not found")
	}
	if got := Message(err); got != "campaign is already sending" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestMessagePlainError(t *testing.T) {
	if got := Message(errors.New("boom")); got != "boom" {
		t.Fatalf("got %q", got)
	}
	if got := Message(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}
