package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
)

const (
	// Private key derivation parameters used by the storage service.
	PrivateKeyIterations = 4096
	PrivateKeyLength     = 32

	// ChunkIterations is how many PBKDF2 rounds run between yields.
	ChunkIterations = 300
)

// Errors
var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrInvalidKey        = errors.New("invalid key size")
	ErrInvalidIV         = errors.New("invalid iv size")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// CryptoProvider is the standard library backed Provider.
type CryptoProvider struct {
	chunk int
}

// NewProvider creates a crypto provider.
func NewProvider() Provider {
	return &CryptoProvider{chunk: ChunkIterations}
}

// NewProviderWithChunk creates a provider that yields every chunk
// iterations during key derivation.
func NewProviderWithChunk(chunk int) Provider {
	if chunk <= 0 {
		chunk = ChunkIterations
	}
	return &CryptoProvider{chunk: chunk}
}

// DecryptAES decrypts AES-CBC data with the given key and iv.
func (p *CryptoProvider) DecryptAES(key, iv, ciphertext []byte) ([]byte, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKey
	}

	if len(iv) != aes.BlockSize {
		return nil, ErrInvalidIV
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return plaintext, nil
}

// DecryptRSA decrypts an RSA PKCS#1 v1.5 encrypted block.
func (p *CryptoProvider) DecryptRSA(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv == nil {
		return nil, ErrInvalidKey
	}

	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}
