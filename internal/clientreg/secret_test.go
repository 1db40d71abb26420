package clientreg

import "testing"

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("s3cr3t")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifySecret(hash, "s3cr3t") {
		t.Fatal("expected matching secret to verify")
	}
	if VerifySecret(hash, "wrong") {
		t.Fatal("expected mismatched secret to fail")
	}
}

func TestVerifySecretRejectsEmptyHash(t *testing.T) {
	if VerifySecret("", "anything") {
		t.Fatal("expected empty hash to never verify")
	}
}
