package testutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/TheMichaelB/weavesync/internal/events"
	"github.com/TheMichaelB/weavesync/internal/models"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

var (
	keyOnce   sync.Once
	sharedKey *rsa.PrivateKey
)

// RSAKey returns a process-wide 1024 bit test key.
func RSAKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(fmt.Errorf("generate test key: %w", err))
		}
		sharedKey = k
	})
	return sharedKey
}

// Account holds the credentials and key material of a test account.
type Account struct {
	Username   string
	Password   string
	Passphrase string

	Key    *rsa.PrivateKey
	Salt   []byte
	IV     []byte
	SymKey []byte
	BulkIV []byte
}

// NewAccount creates an account with fresh symmetric key material.
func NewAccount() *Account {
	return &Account{
		Username:   "alice",
		Password:   "hunter2",
		Passphrase: "correct horse battery staple",
		Key:        RSAKey(),
		Salt:       RandomBytes(16),
		IV:         RandomBytes(16),
		SymKey:     RandomBytes(32),
		BulkIV:     RandomBytes(16),
	}
}

// PrivateKeyPayload encrypts the private key under the passphrase the way
// the storage service expects it.
func (a *Account) PrivateKeyPayload(pubkeyURL string) models.PrivateKeyPayload {
	der, err := x509.MarshalPKCS8PrivateKey(a.Key)
	if err != nil {
		panic(fmt.Errorf("marshal private key: %w", err))
	}
	derived := pbkdf2.Key([]byte(a.Passphrase), a.Salt, 4096, 32, sha1.New)

	return models.PrivateKeyPayload{
		Type:      "privkey",
		Salt:      b64(a.Salt),
		IV:        b64(a.IV),
		KeyData:   b64(EncryptCBC(derived, a.IV, der)),
		PublicKey: pubkeyURL,
	}
}

// PublicKeyPayload returns the public key record payload.
func (a *Account) PublicKeyPayload(privkeyURL string) models.PublicKeyPayload {
	der, err := x509.MarshalPKIXPublicKey(&a.Key.PublicKey)
	if err != nil {
		panic(fmt.Errorf("marshal public key: %w", err))
	}
	return models.PublicKeyPayload{
		Type:       "pubkey",
		KeyData:    b64(der),
		PrivateKey: privkeyURL,
	}
}

// SymmetricKeyPayload wraps the symmetric key for pubkeyURL.
func (a *Account) SymmetricKeyPayload(pubkeyURL string) models.SymmetricKeyPayload {
	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, &a.Key.PublicKey, a.SymKey)
	if err != nil {
		panic(fmt.Errorf("wrap symmetric key: %w", err))
	}
	return models.SymmetricKeyPayload{
		BulkIV:  b64(a.BulkIV),
		Keyring: map[string]string{pubkeyURL: b64(wrapped)},
	}
}

// RecordPayload encrypts cleartext with the symmetric key.
func (a *Account) RecordPayload(cleartext interface{}, symkeyURL string) models.RecordPayload {
	data, err := json.Marshal(cleartext)
	if err != nil {
		panic(fmt.Errorf("marshal cleartext: %w", err))
	}
	return models.RecordPayload{
		Ciphertext: b64(EncryptCBC(a.SymKey, a.BulkIV, data)),
		Encryption: symkeyURL,
	}
}

// Envelope builds a record as the service serves it, with the payload
// JSON-encoded into a string.
func Envelope(id string, modified float64, sortIndex int64, payload interface{}) *models.Envelope {
	env := &models.Envelope{ID: id, Modified: modified, SortIndex: sortIndex}
	if payload == nil {
		return env
	}

	inner, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Errorf("marshal payload: %w", err))
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		panic(fmt.Errorf("marshal payload string: %w", err))
	}
	env.Payload = outer
	return env
}

// EncryptCBC encrypts with AES-CBC and PKCS#7 padding.
func EncryptCBC(key, iv, plaintext []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(fmt.Errorf("create cipher: %w", err))
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, 0, len(plaintext)+pad)
	padded = append(padded, plaintext...)
	padded = append(padded, bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

// RandomBytes returns n random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// HistoryCleartext builds a decrypted history record.
func HistoryCleartext(id, uri, title string) map[string]interface{} {
	return map[string]interface{}{
		"id":      id,
		"histUri": uri,
		"title":   title,
		"visits": []map[string]interface{}{
			{"date": 1262304000000000, "type": 1},
		},
	}
}

// SkipIfShort skips test if testing.Short() is true.
func SkipIfShort(t *testing.T, reason string) {
	if testing.Short() {
		t.Skipf("Skipping test in short mode: %s", reason)
	}
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
