package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e, err := NewEncryptor(t.TempDir())
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ciphertext, err := e.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == "hunter2" {
		t.Fatalf("ciphertext should not equal plaintext")
	}

	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "hunter2" {
		t.Fatalf("Decrypt = %q, want %q", plaintext, "hunter2")
	}
}

func TestEncryptorPersistsKeyAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	e1, err := NewEncryptor(dir)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	ciphertext, err := e1.Encrypt("secret-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	e2, err := NewEncryptor(dir)
	if err != nil {
		t.Fatalf("second NewEncryptor: %v", err)
	}
	plaintext, err := e2.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt with reloaded key: %v", err)
	}
	if plaintext != "secret-value" {
		t.Fatalf("Decrypt = %q, want %q", plaintext, "secret-value")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	e, err := NewEncryptor(t.TempDir())
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	ciphertext, err := e.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := []byte(ciphertext)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := e.Decrypt(string(tampered)); err == nil {
		t.Fatalf("expected Decrypt to reject tampered ciphertext")
	}
}
