package credentials

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New("test-secret")

	enc, err := c.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !IsEncrypted(enc) {
		t.Fatalf("expected encrypted value to carry the prefix, got %q", enc)
	}

	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != "hunter2" {
		t.Fatalf("expected round-trip to recover plaintext, got %q", dec)
	}
}

func TestEncryptIsNoOpOnAlreadyEncrypted(t *testing.T) {
	c := New("test-secret")

	enc, err := c.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	again, err := c.Encrypt(enc)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if again != enc {
		t.Fatalf("expected encrypting an already-encrypted value to be a no-op")
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	c := New("test-secret")
	got, err := c.Decrypt("plaintext-password")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "plaintext-password" {
		t.Fatalf("expected plaintext passthrough, got %q", got)
	}
}

func TestDecryptWrongSecretFails(t *testing.T) {
	enc, err := New("secret-a").Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := New("secret-b").Decrypt(enc); err == nil {
		t.Fatal("expected decryption with the wrong secret to fail")
	}
}
