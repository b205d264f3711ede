package normalize

import "testing"

func TestKeyIdempotent(t *testing.T) {
	inputs := []string{
		"ABC-123",
		"  Spaced Out  ",
		"already-lower",
		"MiXeD\t",
		"",
	}
	for _, in := range inputs {
		once := Key(in)
		twice := Key(once)
		if once != twice {
			t.Errorf("Key not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestEmailVariantsCollide(t *testing.T) {
	variants := []string{
		"Alice@Example.COM",
		"alice@example.com",
		"  alice@example.com ",
		"ALICE@EXAMPLE.COM",
	}
	want := "alice@example.com"
	for _, v := range variants {
		if got := Email(v); got != want {
			t.Errorf("Email(%q) = %q, want %q", v, got, want)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("PubCo", " pubco ") {
		t.Error("Equal should fold case and whitespace")
	}
	if Equal("pubco", "other") {
		t.Error("Equal matched distinct keys")
	}
}

func TestDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "example.com"},
		{"Bob@CORP.example.ORG", "corp.example.org"},
		{"weird@@double.com", "double.com"},
		{"no-at-sign", ""},
		{"trailing@", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Domain(tt.in); got != tt.want {
			t.Errorf("Domain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
