package peerid

import (
	"encoding/json"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	id := New()
	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %s, want %s", parsed, id)
	}
}

func TestIsZero(t *testing.T) {
	var zero ID
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	if New().IsZero() {
		t.Fatal("freshly generated id should not be zero")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	id := New()
	b, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got ID
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != id {
		t.Fatalf("JSON round trip mismatch: got %s, want %s", got, id)
	}

	// A canonical UUID string, not a byte array — this is the behavior
	// that required ID's own MarshalText/UnmarshalText.
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatalf("id did not marshal as a JSON string: %v", err)
	}
	if s != id.String() {
		t.Fatalf("marshaled string %q != %q", s, id.String())
	}
}

func TestLessIsAntisymmetricTieBreak(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Skip("extremely unlikely collision")
	}
	if a.Less(b) == b.Less(a) {
		t.Fatalf("Less must disagree for distinct ids: a.Less(b)=%v b.Less(a)=%v", a.Less(b), b.Less(a))
	}
	if a.Less(a) {
		t.Fatal("Less must be irreflexive")
	}
}
