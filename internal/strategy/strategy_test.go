package strategy

import (
	"testing"
)

// stubModule is a minimal Module implementation used in registry tests.
type stubModule struct {
	Base
}

func newStub(name string) Constructor {
	return func() Module { return &stubModule{Base{ID: name}} }
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register("test-module", newStub("test-module"))

	got, err := r.New("test-module")
	if err != nil {
		t.Fatalf("New returned error for registered module: %v", err)
	}
	if got.Name() != "test-module" {
		t.Errorf("New returned module with Name() = %q, want %q", got.Name(), "test-module")
	}

	other, _ := r.New("test-module")
	if other == got {
		t.Error("New returned the same instance twice")
	}
}

func TestRegistryNew_NotFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New("nonexistent"); err == nil {
		t.Error("New returned nil error for unregistered module")
	}
	if r.Has("nonexistent") {
		t.Error("Has returned true for unregistered module")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("beta", newStub("beta"))
	r.Register("alpha", newStub("alpha"))

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func TestBaseSetParameter(t *testing.T) {
	m := &stubModule{Base{ID: "x"}}
	if err := m.SetParameter("id", "renamed"); err != nil {
		t.Fatalf("SetParameter(id) returned error: %v", err)
	}
	if m.Name() != "renamed" {
		t.Errorf("Name() = %q, want %q", m.Name(), "renamed")
	}
	if err := m.SetParameter("bogus", "1"); err == nil {
		t.Error("SetParameter(bogus) returned nil error")
	}
	if m.OnTermination() {
		t.Error("Base.OnTermination() = true, want false")
	}
}

func TestParseHelpers(t *testing.T) {
	if n, err := ParseInt("period", "20"); err != nil || n != 20 {
		t.Errorf("ParseInt(20) = %d, %v", n, err)
	}
	if _, err := ParseInt("period", "0"); err == nil {
		t.Error("ParseInt(0) returned nil error")
	}
	if v, err := ParseFraction("f", "0.25"); err != nil || v.String() != "0.25" {
		t.Errorf("ParseFraction(0.25) = %s, %v", v, err)
	}
	for _, bad := range []string{"0", "1.5", "-0.1", "abc"} {
		if _, err := ParseFraction("f", bad); err == nil {
			t.Errorf("ParseFraction(%q) returned nil error", bad)
		}
	}
	if b, err := ParseBool("flag", "true"); err != nil || !b {
		t.Errorf("ParseBool(true) = %v, %v", b, err)
	}
}
