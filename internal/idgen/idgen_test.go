package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q is not a UUID: %v", id, err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("red_")
	if !strings.HasPrefix(id, "red_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if len(id) != len("red_")+32 {
		t.Fatalf("unexpected length %d for %q", len(id), id)
	}
	if WithPrefix("red_") == id {
		t.Fatal("expected distinct ids")
	}
}

func TestHex(t *testing.T) {
	if got := Hex(16); len(got) != 32 {
		t.Fatalf("Hex(16) length = %d, want 32", len(got))
	}
}
