package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestServiceErrorCodeSurvivesWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := New("policy.record_action", "insert_failed", cause)
	wrapped := fmt.Errorf("handler: %w", err)

	if code := CodeOf(wrapped); code != "policy.record_action.insert_failed" {
		t.Fatalf("unexpected code %q", code)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected cause to remain reachable")
	}
	if err.Error() != "policy.record_action.insert_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if code := CodeOf(errors.New("boom")); code != "" {
		t.Fatalf("expected empty code, got %q", code)
	}
}
