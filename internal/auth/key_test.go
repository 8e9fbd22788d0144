package auth

import (
	"strings"
	"testing"
)

func TestHashKey_RoundTrip(t *testing.T) {
	hash, err := HashKey("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash should start with $argon2id$, got %q", hash)
	}

	ok, err := VerifyKey("correct-horse-battery-staple", hash)
	if err != nil {
		t.Fatalf("VerifyKey() error = %v", err)
	}
	if !ok {
		t.Error("VerifyKey() = false for the correct key")
	}

	ok, err = VerifyKey("wrong", hash)
	if err != nil {
		t.Fatalf("VerifyKey() error = %v", err)
	}
	if ok {
		t.Error("VerifyKey() = true for a wrong key")
	}
}

func TestHashKey_UniqueSalts(t *testing.T) {
	h1, err := HashKey("same")
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}
	h2, err := HashKey("same")
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same key should differ by salt")
	}
}

func TestVerifyKey_InvalidFormat(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"not PHC", "plaintext"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=1$salt$hash"},
		{"too few parts", "$argon2id$v=19$m=65536,t=3,p=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyKey("key", tt.hash); err == nil {
				t.Error("VerifyKey() should fail for an invalid hash")
			}
		})
	}
}

func TestKeyVerifier(t *testing.T) {
	plain, err := NewKeyVerifier("op-key")
	if err != nil {
		t.Fatalf("NewKeyVerifier(plain) error = %v", err)
	}
	if !plain.Enabled() || !plain.Verify("op-key") || plain.Verify("nope") || plain.Verify("") {
		t.Error("plaintext verifier accepted or rejected the wrong keys")
	}

	hash, err := HashKey("op-key")
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}
	hashed, err := NewKeyVerifier(hash)
	if err != nil {
		t.Fatalf("NewKeyVerifier(hash) error = %v", err)
	}
	if !hashed.Verify("op-key") {
		t.Error("verifier built from a hash rejected the key")
	}

	if _, err := NewKeyVerifier("$argon2id$broken"); err == nil {
		t.Error("NewKeyVerifier() should reject a malformed hash")
	}

	empty, err := NewKeyVerifier("")
	if err != nil {
		t.Fatalf("NewKeyVerifier(\"\") error = %v", err)
	}
	if empty.Enabled() || empty.Verify("") || empty.Verify("anything") {
		t.Error("empty verifier must reject everything")
	}
}
