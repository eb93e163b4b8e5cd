package identity_test

import (
	"testing"

	"github.com/workloom/loom/identity"
)

func TestHashJSON_KeyOrderIndependent(t *testing.T) {
	a, err := identity.HashJSON([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	b, err := identity.HashJSON([]byte(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if a != b {
		t.Errorf("hashes differ for reordered keys: %q != %q", a, b)
	}
}

func TestHashJSON_NestedKeyOrder(t *testing.T) {
	a, err := identity.HashJSON([]byte(`{"outer":{"x":1,"y":[{"p":1,"q":2}]}}`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	b, err := identity.HashJSON([]byte(`{"outer":{"y":[{"q":2,"p":1}],"x":1}}`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if a != b {
		t.Errorf("hashes differ for nested reordered keys: %q != %q", a, b)
	}
}

func TestHashJSON_ArrayOrderSignificant(t *testing.T) {
	a, err := identity.HashJSON([]byte(`[1,2]`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	b, err := identity.HashJSON([]byte(`[2,1]`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if a == b {
		t.Error("hashes equal for reordered arrays, want different")
	}
}

func TestHashJSON_EmptyIsNull(t *testing.T) {
	empty, err := identity.HashJSON(nil)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	null, err := identity.HashJSON([]byte(`null`))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if empty != null {
		t.Errorf("empty input should hash as null: %q != %q", empty, null)
	}
}

func TestHashJSON_InvalidJSON(t *testing.T) {
	if _, err := identity.HashJSON([]byte(`{`)); err == nil {
		t.Error("HashJSON should reject invalid JSON")
	}
}

func TestHash_Deterministic(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	a, err := identity.Hash(payload{Name: "x", Count: 3})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	b, err := identity.Hash(map[string]any{"count": 3, "name": "x"})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if a != b {
		t.Errorf("struct and equivalent map hash differently: %q != %q", a, b)
	}
}

func TestAddresses(t *testing.T) {
	if got := identity.RunAddress("billing", "v3", "ref-1"); got != "billing/v3/ref-1" {
		t.Errorf("RunAddress = %q, want %q", got, "billing/v3/ref-1")
	}
	if got := identity.TaskAddress("charge", "abc123"); got != "charge/abc123" {
		t.Errorf("TaskAddress = %q, want %q", got, "charge/abc123")
	}
}
