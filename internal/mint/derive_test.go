package mint

import "testing"

func TestDerive_Deterministic(t *testing.T) {
	a := Derive("integrity-1", "binding-1", "gvs")
	b := Derive("integrity-1", "binding-1", "gvs")
	if a != b {
		t.Fatalf("Derive not deterministic: %q != %q", a, b)
	}
}

func TestDerive_DistinctInputs(t *testing.T) {
	base := Derive("integrity-1", "binding-1", "gvs")
	cases := map[string]string{
		"integrity": Derive("integrity-2", "binding-1", "gvs"),
		"binding":   Derive("integrity-1", "binding-2", "gvs"),
		"context":   Derive("integrity-1", "binding-1", "player"),
	}
	for name, got := range cases {
		if got == base {
			t.Fatalf("%s: expected distinct token from base, got same value", name)
		}
	}
}

func TestDerive_LengthBounds(t *testing.T) {
	cases := []struct {
		integrity, binding, context string
	}{
		{"short", "b", "gvs"},
		{"", "", ""},
		{"a-fairly-long-integrity-token-value-used-for-testing-purposes-only", "content-binding-value", "subs"},
	}
	for _, c := range cases {
		got := Derive(c.integrity, c.binding, c.context)
		if len(got) < MinLength || len(got) > MaxLength {
			t.Fatalf("Derive(%q,%q,%q) length = %d, want [%d,%d]", c.integrity, c.binding, c.context, len(got), MinLength, MaxLength)
		}
	}
}
