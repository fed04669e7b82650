package users

import (
	"errors"
	"strings"
	"testing"
)

func TestNewUserIDTrimsInput(t *testing.T) {
	id, err := NewUserID("  user-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "user-1" {
		t.Fatalf("expected trimmed identifier, got %q", id)
	}
}

func TestNewUserIDRejectsInvalidInput(t *testing.T) {
	for _, raw := range []string{"", "   ", strings.Repeat("x", maxIdentifierLength+1)} {
		if _, err := NewUserID(raw); !errors.Is(err, ErrInvalidUserID) {
			t.Fatalf("expected ErrInvalidUserID for %q, got %v", raw, err)
		}
	}
}
