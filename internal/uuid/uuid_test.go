package uuid

import (
	"testing"
)

// TestNewIsValid verifies freshly issued ids pass our own validation and
// never collide over a burst.
func TestNewIsValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("issued id fails validation: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id issued: %q", id)
		}
		seen[id] = true
	}
}

// TestIsValid verifies the dashed-form and version requirements.
func TestIsValid(t *testing.T) {
	cases := []struct {
		name string
		id   string
		want bool
	}{
		{"canonical lowercase", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"canonical uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty", "", false},
		{"truncated", "f47ac10b-58cc-4372-a567", false},
		{"trailing garbage", "f47ac10b-58cc-4372-a567-0e02b2c3d479-x", false},
		{"dashes stripped", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"wrong version", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"not hex", "g47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"not an id at all", "student-1", false},
	}

	for _, tc := range cases {
		if got := IsValid(tc.id); got != tc.want {
			t.Errorf("%s: IsValid(%q) = %v, want %v", tc.name, tc.id, got, tc.want)
		}
	}
}

// TestValidate verifies the error form carries the rejected input.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate rejected a fresh id: %v", err)
	}

	err := Validate("student-1")
	if err == nil {
		t.Fatal("expected error for malformed id")
	}
	if got := err.Error(); got != `not a valid id: "student-1"` {
		t.Errorf("error = %q, want the rejected input quoted", got)
	}
}
