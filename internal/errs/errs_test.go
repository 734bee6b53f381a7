package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationErrorMatching(t *testing.T) {
	err := fmt.Errorf("register agent: %w", Invalid("name", "must not be empty"))

	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected errors.Is to match ErrValidation")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatal("expected errors.As to extract ValidationError")
	}
	if ve.Field != "name" {
		t.Errorf("expected field 'name', got '%s'", ve.Field)
	}
	if got := ve.Error(); got != "validation failed: name: must not be empty" {
		t.Errorf("unexpected message: %s", got)
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("agent", "a1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected ErrNotFound")
	}
	if err.Error() != `agent "a1": not found` {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if errors.Is(err, ErrValidation) {
		t.Error("not found must not match validation")
	}
}
