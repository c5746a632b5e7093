package crypto

import (
	"context"
	"crypto/rsa"
)

// Provider defines the primitive operations envelope decryption is built on.
type Provider interface {
	// DeriveKey runs PBKDF2-HMAC-SHA1, yielding to ctx between chunks of
	// iterations.
	DeriveKey(ctx context.Context, passphrase, salt []byte, iterations, keyLen int) ([]byte, error)

	// DecryptAES decrypts AES-CBC ciphertext. Padding is left in place.
	DecryptAES(key, iv, ciphertext []byte) ([]byte, error)

	// DecryptRSA decrypts a PKCS#1 v1.5 block.
	DecryptRSA(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error)
}
