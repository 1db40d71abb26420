package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := RandBytes(aesKeySize)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}

	plaintext := []byte("session cookie payload")
	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, _ := RandBytes(aesKeySize)
	ciphertext, _ := Encrypt([]byte("hello"), key)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := Decrypt(ciphertext, key); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestEncryptRejectsWrongKeySize(t *testing.T) {
	if _, err := Encrypt([]byte("hello"), []byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}
