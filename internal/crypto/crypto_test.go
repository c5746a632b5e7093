package crypto_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/TheMichaelB/weavesync/internal/crypto"
	"github.com/TheMichaelB/weavesync/internal/crypto/testdata"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func rsaKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func encryptCBC(t testing.TB, key, iv, plaintext []byte) []byte {
	t.Helper()
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestProvider_DeriveKeyVectors(t *testing.T) {
	provider := crypto.NewProvider()

	for _, v := range testdata.PBKDF2Vectors {
		t.Run(v.Name, func(t *testing.T) {
			key, err := provider.DeriveKey(context.Background(), []byte(v.Passphrase), []byte(v.Salt), v.Iterations, v.KeyLen)
			require.NoError(t, err)
			assert.Equal(t, v.Key, hex.EncodeToString(key))
		})
	}
}

func TestProvider_DeriveKeyMatchesReference(t *testing.T) {
	tests := []struct {
		name       string
		chunk      int
		iterations int
		keyLen     int
	}{
		{"default chunk", crypto.ChunkIterations, crypto.PrivateKeyIterations, crypto.PrivateKeyLength},
		{"tiny chunk", 1, 50, 32},
		{"chunk larger than run", 10000, 301, 48},
		{"single iteration", 7, 1, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passphrase := []byte("correct horse battery staple")
			salt := []byte("0123456789abcdef")

			got, err := crypto.NewProviderWithChunk(tt.chunk).DeriveKey(context.Background(), passphrase, salt, tt.iterations, tt.keyLen)
			require.NoError(t, err)

			want := pbkdf2.Key(passphrase, salt, tt.iterations, tt.keyLen, sha1.New)
			assert.Equal(t, want, got)
		})
	}
}

func TestProvider_DeriveKeyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := crypto.NewProvider().DeriveKey(ctx, []byte("pw"), []byte("salt"), crypto.PrivateKeyIterations, 32)
	assert.ErrorIs(t, err, context.Canceled)

	// Runs shorter than one chunk never reach a yield point.
	_, err = crypto.NewProvider().DeriveKey(ctx, []byte("pw"), []byte("salt"), 10, 32)
	assert.NoError(t, err)
}

func TestProvider_DeriveKeyInvalid(t *testing.T) {
	provider := crypto.NewProvider()

	_, err := provider.DeriveKey(context.Background(), []byte("pw"), []byte("salt"), 0, 32)
	assert.Error(t, err)

	_, err = provider.DeriveKey(context.Background(), []byte("pw"), []byte("salt"), 1, 0)
	assert.Error(t, err)
}

func TestProvider_DecryptAES(t *testing.T) {
	provider := crypto.NewProvider()
	key := randomBytes(t, 32)
	iv := randomBytes(t, 16)

	ct := encryptCBC(t, key, iv, []byte("hello"))
	plain, err := provider.DecryptAES(key, iv, ct)
	require.NoError(t, err)
	// Padding is left for the caller.
	assert.Equal(t, append([]byte("hello"), bytes.Repeat([]byte{11}, 11)...), plain)

	tests := []struct {
		name    string
		key     []byte
		iv      []byte
		ct      []byte
		wantErr error
	}{
		{"bad key", key[:5], iv, ct, crypto.ErrInvalidKey},
		{"bad iv", key, iv[:8], ct, crypto.ErrInvalidIV},
		{"partial block", key, iv, ct[:10], crypto.ErrInvalidCiphertext},
		{"empty", key, iv, nil, crypto.ErrInvalidCiphertext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := provider.DecryptAES(tt.key, tt.iv, tt.ct)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	key := rsaKey(t)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs1 := x509.MarshalPKCS1PrivateKey(key)

	tests := []struct {
		name string
		der  []byte
	}{
		{"pkcs8", pkcs8},
		{"pkcs1", pkcs1},
		{"pkcs8 with trailing padding", append(append([]byte{}, pkcs8...), bytes.Repeat([]byte{7}, 7)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, comps, err := crypto.ParsePrivateKey(tt.der)
			require.NoError(t, err)

			assert.Equal(t, 0, key.N.Cmp(parsed.N))
			assert.Equal(t, key.E, parsed.E)
			assert.Equal(t, 0, key.D.Cmp(parsed.D))
			assert.Equal(t, 0, key.Primes[0].Cmp(comps.P))
			assert.Equal(t, 0, key.Primes[1].Cmp(comps.Q))
			assert.Equal(t, 0, key.Precomputed.Qinv.Cmp(comps.Coefficient))
		})
	}
}

func TestParsePrivateKeyMalformed(t *testing.T) {
	key := rsaKey(t)
	pkcs1 := x509.MarshalPKCS1PrivateKey(key)

	versionOne := append([]byte{}, pkcs1...)
	// SEQUENCE header is 4 bytes for a 1024 bit key; the version INTEGER follows.
	versionOne[6] = 1

	tests := []struct {
		name string
		der  []byte
	}{
		{"empty", nil},
		{"not a sequence", []byte{0x02, 0x01, 0x00}},
		{"truncated", pkcs1[:len(pkcs1)/2]},
		{"nonzero version", versionOne},
		{"random bytes", randomBytes(t, 640)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := crypto.ParsePrivateKey(tt.der)
			var mke *crypto.MalformedKeyError
			assert.ErrorAs(t, err, &mke)
		})
	}
}

func TestUnwrapPrivateKey(t *testing.T) {
	provider := crypto.NewProvider()
	key := rsaKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	salt := randomBytes(t, 16)
	iv := randomBytes(t, 16)
	passphrase := []byte("my sync passphrase")

	derived := pbkdf2.Key(passphrase, salt, crypto.PrivateKeyIterations, crypto.PrivateKeyLength, sha1.New)
	keyData := encryptCBC(t, derived, iv, der)

	t.Run("correct passphrase", func(t *testing.T) {
		got, err := crypto.UnwrapPrivateKey(context.Background(), provider, passphrase, salt, iv, keyData)
		require.NoError(t, err)
		assert.Equal(t, 0, key.N.Cmp(got.N))

		// The unwrapped key opens a freshly wrapped symmetric key.
		symkey := randomBytes(t, 32)
		wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, &key.PublicKey, symkey)
		require.NoError(t, err)

		unwrapped, err := crypto.UnwrapSymmetricKey(provider, got, wrapped)
		require.NoError(t, err)
		assert.Equal(t, symkey, unwrapped)
	})

	for _, wrong := range []string{"", "my sync passphrasE", "wrong", "my sync passphrase "} {
		t.Run("wrong passphrase "+wrong, func(t *testing.T) {
			_, err := crypto.UnwrapPrivateKey(context.Background(), provider, []byte(wrong), salt, iv, keyData)
			var mke *crypto.MalformedKeyError
			assert.ErrorAs(t, err, &mke)
		})
	}
}

func TestUnwrapSymmetricKeyWrongKey(t *testing.T) {
	other, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, &other.PublicKey, randomBytes(t, 32))
	require.NoError(t, err)

	_, err = crypto.UnwrapSymmetricKey(crypto.NewProvider(), rsaKey(t), wrapped)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
}

func TestDecryptPayload(t *testing.T) {
	provider := crypto.NewProvider()
	key := randomBytes(t, 32)
	iv := randomBytes(t, 16)

	t.Run("printable filter strips padding", func(t *testing.T) {
		ct := encryptCBC(t, key, iv, []byte(`{"title":"Example"}`))
		out, err := crypto.DecryptPayload(provider, key, iv, ct, crypto.CleanupPrintable)
		require.NoError(t, err)
		assert.Equal(t, `{"title":"Example"}`, string(out))
	})

	t.Run("printable filter drops non-ascii", func(t *testing.T) {
		ct := encryptCBC(t, key, iv, []byte(`{"title":"café"}`))
		out, err := crypto.DecryptPayload(provider, key, iv, ct, crypto.CleanupPrintable)
		require.NoError(t, err)
		assert.Equal(t, `{"title":"caf"}`, string(out))
	})

	t.Run("utf8 mode keeps non-ascii", func(t *testing.T) {
		ct := encryptCBC(t, key, iv, []byte(`{"title":"café 世界"}`))
		out, err := crypto.DecryptPayload(provider, key, iv, ct, crypto.CleanupUTF8)
		require.NoError(t, err)
		assert.Equal(t, `{"title":"café 世界"}`, string(out))
	})

	t.Run("utf8 mode repairs invalid bytes", func(t *testing.T) {
		ct := encryptCBC(t, key, iv, []byte("a\xffb\x01c"))
		out, err := crypto.DecryptPayload(provider, key, iv, ct, crypto.CleanupUTF8)
		require.NoError(t, err)
		assert.Equal(t, "a�bc", string(out))
	})

	t.Run("bad ciphertext", func(t *testing.T) {
		_, err := crypto.DecryptPayload(provider, key, iv, []byte("short"), crypto.CleanupPrintable)
		assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)
	})
}

func TestClearifyAndIntify(t *testing.T) {
	assert.Equal(t, []byte("ab~ "), crypto.Clearify([]byte{'a', 0x00, 'b', 0x7f, '~', 0x1f, ' ', 0xc3}))
	assert.Empty(t, crypto.Clearify(nil))

	in := []byte{0x00, 0x7f, 0x80, 0xff}
	out := crypto.Intify(in)
	assert.Equal(t, in, out)
	out[0] = 1
	assert.Equal(t, byte(0), in[0])
}

func TestCleanupModeString(t *testing.T) {
	assert.Equal(t, "printable", crypto.CleanupPrintable.String())
	assert.Equal(t, "utf8", crypto.CleanupUTF8.String())
}
