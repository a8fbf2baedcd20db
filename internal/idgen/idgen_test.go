package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	if !strings.HasPrefix(id, "esc_") {
		t.Errorf("Expected esc_ prefix, got %q", id)
	}
	if len(id) != len("esc_")+24 {
		t.Errorf("Expected 24 hex chars after prefix, got %q", id)
	}
}

func TestHexLength(t *testing.T) {
	if got := Hex(12); len(got) != 24 {
		t.Errorf("Hex(12) length = %d, want 24", len(got))
	}
	if got := Hex(16); len(got) != 32 {
		t.Errorf("Hex(16) length = %d, want 32", len(got))
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("ent_")
		if seen[id] {
			t.Fatalf("Duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
