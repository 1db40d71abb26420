package clientreg

import "golang.org/x/crypto/bcrypt"

// SecretCost is the bcrypt cost used for client_secret hashes, following
// the same "accept a cost, fall back to bcrypt.DefaultCost" shape as the
// rest of the pack's password hashers.
var SecretCost = bcrypt.DefaultCost

// HashSecret bcrypt-hashes a plaintext client_secret for storage.
func HashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), SecretCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifySecret checks a plaintext client_secret against its stored bcrypt
// hash in constant time (bcrypt.CompareHashAndPassword already is).
func VerifySecret(hash, secret string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
